package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

var ErrClientMismatch = errors.New("oauth state belongs to a different client_id")

// Persister keeps the token durable between process runs. It writes a
// local state file and mirrors it to a BlobStore when one is configured.
// The session never persists anything itself; the host registers
// Persister.Callback as a token observer.
type Persister struct {
	decl      Declaration
	clientID  string
	blobStore BlobStore
	logger    *slog.Logger
	timeout   time.Duration
}

func NewPersister(decl Declaration, clientID string, blobStore BlobStore, logger *slog.Logger) (*Persister, error) {
	if decl.Provider == "" {
		return nil, fmt.Errorf("provider is required")
	}
	if decl.StatePath == "" {
		return nil, fmt.Errorf("statePath is required")
	}
	if !filepath.IsAbs(decl.StatePath) {
		return nil, fmt.Errorf("statePath must be absolute")
	}
	if clientID == "" {
		return nil, fmt.Errorf("client_id is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{
		decl:      decl,
		clientID:  clientID,
		blobStore: blobStore,
		logger:    logger.With(slog.String("component", "oauth_persister"), slog.String("provider", decl.Provider)),
		timeout:   15 * time.Second,
	}, nil
}

// Load returns the persisted token: the local file first, then the blob
// mirror. A blob hit is written back to the local file.
func (p *Persister) Load(ctx context.Context) (Token, error) {
	local, localErr := LoadState(p.decl.StatePath)
	if localErr == nil {
		if err := checkStateFile(p.decl.StatePath); err != nil {
			return Token{}, err
		}
		if local.ClientID != p.clientID {
			clientMismatch.WithLabelValues(p.decl.Provider).Inc()
			return Token{}, ErrClientMismatch
		}
		return local.Token, nil
	}
	if !errors.Is(localErr, ErrStateNotFound) {
		return Token{}, localErr
	}

	if p.blobStore == nil {
		return Token{}, ErrStateNotFound
	}
	data, err := p.blobStore.Load(ctx, p.decl.Provider)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return Token{}, ErrStateNotFound
		}
		return Token{}, fmt.Errorf("load blob: %w", err)
	}
	blob, err := DecodeState(data)
	if err != nil {
		return Token{}, err
	}
	if blob.ClientID != p.clientID {
		clientMismatch.WithLabelValues(p.decl.Provider).Inc()
		return Token{}, ErrClientMismatch
	}
	if err := WriteState(p.decl.StatePath, blob); err != nil {
		return Token{}, err
	}
	return blob.Token, nil
}

// Save writes the token locally and mirrors it remotely. A mirror failure
// is recorded but does not fail the save.
func (p *Persister) Save(ctx context.Context, token Token) error {
	state := State{
		SchemaVersion: SchemaVersion,
		ClientID:      p.clientID,
		Token:         token,
	}
	if err := WriteState(p.decl.StatePath, state); err != nil {
		persistFailure.WithLabelValues(p.decl.Provider).Inc()
		return fmt.Errorf("persist state: %w", err)
	}
	if p.blobStore == nil {
		return nil
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := p.blobStore.Save(ctx, p.decl.Provider, data); err != nil {
		remotePersistOK.WithLabelValues(p.decl.Provider).Set(0)
		p.logger.Warn("token blob mirror failed", slog.String("error", err.Error()))
		return nil
	}
	remotePersistOK.WithLabelValues(p.decl.Provider).Set(1)
	return nil
}

// Callback adapts Save to a token observer.
func (p *Persister) Callback() func(Token) {
	return func(token Token) {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		if err := p.Save(ctx, token); err != nil {
			p.logger.Error("token persist failed", slog.String("error", err.Error()))
		}
	}
}

func checkStateFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode().Perm() != 0o600 {
		return fmt.Errorf("state file %s must have 0600 permissions", path)
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		if int(stat.Uid) != os.Geteuid() {
			return fmt.Errorf("state file %s must be owned by uid %d", path, os.Geteuid())
		}
	}
	return nil
}
