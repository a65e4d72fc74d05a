package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joshp123/automower/plugins/automower"
)

type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(addr string) *apiClient {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &apiClient{baseURL: strings.TrimRight(base, "/"), http: &http.Client{}}
}

func (c *apiClient) do(ctx context.Context, method, path string, body any, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s response (%d): %w", path, resp.StatusCode, err)
		}
	}
	return resp.StatusCode, nil
}

func (c *apiClient) mowers(ctx context.Context) (automower.Snapshot, error) {
	var snapshot automower.Snapshot
	status, err := c.do(ctx, http.MethodGet, "/mowers", nil, &snapshot)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("list mowers: status %d", status)
	}
	return snapshot, nil
}

func (c *apiClient) command(ctx context.Context, mowerID string, req automower.CommandRequest) (automower.CommandResult, error) {
	var result automower.CommandResult
	if _, err := c.do(ctx, http.MethodPost, "/mowers/"+mowerID+"/command", req, &result); err != nil {
		return result, err
	}
	return result, nil
}

func mowersCmd(ctx context.Context, client *apiClient, args []string, out outputMode) {
	if len(args) == 0 {
		args = []string{"list"}
	}
	snapshot, err := client.mowers(ctx)
	if err != nil {
		fatal("mowers", err)
	}

	switch args[0] {
	case "list":
		if out.json {
			out.printJSON(snapshot)
			return
		}
		rows := [][]string{{"NAME", "ID", "STATE", "ACTIVITY", "BATTERY", "CONNECTED"}}
		for _, id := range snapshot.IDs() {
			attrs := snapshot[id]
			rows = append(rows, []string{
				attrs.System.Name,
				id,
				displayState(attrs),
				displayActivity(attrs),
				fmt.Sprintf("%d%%", attrs.Battery.BatteryPercent),
				strconv.FormatBool(attrs.Metadata.Connected),
			})
		}
		out.table(rows)
	case "show":
		id := mowerArg(args, snapshot)
		if out.json {
			out.printJSON(snapshot[id])
			return
		}
		showMower(out, id, snapshot[id])
	default:
		req, err := commandRequest(args)
		if err != nil {
			fatal("mowers", err)
		}
		id := mowerArg(args, snapshot)
		result, err := client.command(ctx, id, req)
		if err != nil {
			fatal("mowers "+args[0], err)
		}
		if out.json {
			out.printJSON(result)
		} else if result.OK {
			fmt.Printf("%s: %s sent\n", snapshot[id].System.Name, result.Command)
		}
		if !result.OK {
			fatal("mowers "+args[0], fmt.Errorf("%s", result.Error))
		}
	}
}

// commandRequest maps CLI verbs onto a CommandRequest. args[1] is the mower.
func commandRequest(args []string) (automower.CommandRequest, error) {
	req := automower.CommandRequest{ID: uuid.NewString()}
	intArg := func() (int, error) {
		if len(args) < 3 {
			return 0, fmt.Errorf("usage: automower-cli mowers %s <mower> <value>", args[0])
		}
		value, err := strconv.Atoi(args[2])
		if err != nil {
			return 0, fmt.Errorf("invalid number %q", args[2])
		}
		return value, nil
	}

	var err error
	switch args[0] {
	case "pause":
		req.Command = "pause"
	case "resume":
		req.Command = "resume"
	case "park":
		req.Command = "park_until_further_notice"
	case "park-until-next":
		req.Command = "park_until_next_schedule"
	case "start":
		req.Command = "start"
		req.Minutes, err = intArg()
	case "park-for":
		req.Command = "park_for"
		req.Minutes, err = intArg()
	case "cutting-height":
		req.Command = "cutting_height"
		req.Height, err = intArg()
	case "headlight":
		if len(args) < 3 {
			return req, fmt.Errorf("usage: automower-cli mowers headlight <mower> <mode>")
		}
		req.Command = "headlight"
		req.Mode = strings.ToUpper(args[2])
	default:
		usage()
		os.Exit(2)
	}
	return req, err
}

func mowerArg(args []string, snapshot automower.Snapshot) string {
	if len(args) < 2 {
		fatal("mowers "+args[0], fmt.Errorf("missing mower name or id"))
	}
	names := make(map[string]string, len(snapshot))
	for id, attrs := range snapshot {
		names[id] = attrs.System.Name
	}
	id, err := resolveMowerID(args[1], names)
	if err != nil {
		fatal("mowers "+args[0], err)
	}
	return id
}

func showMower(out outputMode, id string, attrs automower.MowerAttributes) {
	rows := [][]string{
		{"name", attrs.System.Name},
		{"id", id},
		{"model", attrs.System.Model},
		{"state", displayState(attrs)},
		{"activity", displayActivity(attrs)},
		{"mode", attrs.Mower.Mode},
		{"battery", fmt.Sprintf("%d%%", attrs.Battery.BatteryPercent)},
		{"connected", strconv.FormatBool(attrs.Metadata.Connected)},
	}
	if height, ok := attrs.CuttingHeight(); ok {
		rows = append(rows, []string{"cutting height", strconv.Itoa(height)})
	}
	if attrs.Settings.Headlight.Mode != "" {
		rows = append(rows, []string{"headlight", string(attrs.Settings.Headlight.Mode)})
	}
	if attrs.Mower.ErrorCode != 0 {
		rows = append(rows, []string{"error code", strconv.Itoa(attrs.Mower.ErrorCode)})
	}
	if attrs.Planner.NextStartTimestamp > 0 {
		rows = append(rows, []string{"next start", formatMillis(attrs.Planner.NextStartTimestamp)})
	}
	if attrs.Metadata.StatusTimestamp > 0 {
		rows = append(rows, []string{"updated", formatMillis(attrs.Metadata.StatusTimestamp)})
	}
	if len(attrs.Positions) > 0 {
		p := attrs.Positions[0]
		rows = append(rows, []string{"position", fmt.Sprintf("%.6f, %.6f", p.Latitude, p.Longitude)})
	}
	out.table(rows)
}

func displayState(attrs automower.MowerAttributes) string {
	if state, ok := attrs.State(); ok {
		return string(state)
	}
	return "unavailable"
}

func displayActivity(attrs automower.MowerAttributes) string {
	if activity, ok := attrs.Activity(); ok {
		return string(activity)
	}
	return "unavailable"
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).Local().Format(time.RFC3339)
}
