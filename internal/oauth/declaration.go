package oauth

const (
	FlowPassword          = "password"
	FlowClientCredentials = "client_credentials"
	FlowAuthCode          = "auth_code"
)

// Declaration defines the OAuth contract a plugin must provide.
type Declaration struct {
	Provider     string
	Flow         string
	AuthorizeURL string
	TokenURL     string
	Scope        string
	StatePath    string
}
