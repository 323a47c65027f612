package oauth

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// DefaultCallbackPort is the loopback port registered as the redirect URI
const DefaultCallbackPort = 8765

// AuthFlow runs the one-time browser authorization that yields the refresh token
type AuthFlow struct {
	config *oauth2.Config
	port   int
}

// NewAuthFlow creates an authorization flow against Google's endpoints
func NewAuthFlow(clientID, clientSecret string, scopes []string, port int) *AuthFlow {
	if port == 0 {
		port = DefaultCallbackPort
	}
	return &AuthFlow{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  fmt.Sprintf("http://localhost:%d/callback", port),
			Scopes:       scopes,
			Endpoint:     google.Endpoint,
		},
		port: port,
	}
}

// SetEndpoint overrides the authorization server (for testing)
func (f *AuthFlow) SetEndpoint(ep oauth2.Endpoint) {
	f.config.Endpoint = ep
}

// AuthURL returns the consent URL. Offline access with forced approval
// makes Google issue a refresh token every time.
func (f *AuthFlow) AuthURL(state string) string {
	return f.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades the authorization code for tokens
func (f *AuthFlow) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := f.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %s", describe(err))
	}
	if tok.RefreshToken == "" {
		return nil, errors.New("authorization returned no refresh token; revoke the app's access and retry")
	}
	return tok, nil
}

// Run prints the consent URL to out, waits for the browser callback and exchanges the code
func (f *AuthFlow) Run(ctx context.Context, out io.Writer, timeout time.Duration) (*oauth2.Token, error) {
	state := "sitekit-" + uuid.NewString()

	server := newCallbackServer(state)
	if err := server.start(fmt.Sprintf("127.0.0.1:%d", f.port)); err != nil {
		return nil, fmt.Errorf("failed to start callback server: %w", err)
	}
	defer server.stop(context.Background())

	fmt.Fprintf(out, "\nOpen this URL in your browser to authorize Site Kit:\n\n%s\n\n", f.AuthURL(state))
	fmt.Fprintln(out, "Waiting for authorization...")

	code, err := server.wait(ctx, timeout)
	if err != nil {
		return nil, fmt.Errorf("authorization failed: %w", err)
	}

	return f.Exchange(ctx, code)
}

// callbackServer receives the authorization redirect on the loopback interface
type callbackServer struct {
	state    string
	server   *http.Server
	listener net.Listener
	codeChan chan string
	errChan  chan error
}

func newCallbackServer(state string) *callbackServer {
	s := &callbackServer{
		state:    state,
		codeChan: make(chan string, 1),
		errChan:  make(chan error, 1),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", s.handleCallback)
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *callbackServer) start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.fail(err)
		}
	}()
	return nil
}

func (s *callbackServer) addr() string {
	return s.listener.Addr().String()
}

func (s *callbackServer) wait(ctx context.Context, timeout time.Duration) (string, error) {
	select {
	case code := <-s.codeChan:
		return code, nil
	case err := <-s.errChan:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(timeout):
		return "", fmt.Errorf("no callback received within %v", timeout)
	}
}

func (s *callbackServer) stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *callbackServer) fail(err error) {
	select {
	case s.errChan <- err:
	default:
	}
}

func (s *callbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if q.Get("state") != s.state {
		http.Error(w, "Authorization state mismatch", http.StatusBadRequest)
		s.fail(errors.New("state mismatch"))
		return
	}

	code := q.Get("code")
	if code == "" {
		errMsg := q.Get("error")
		if errMsg == "" {
			errMsg = "unknown error"
		}
		s.fail(fmt.Errorf("OAuth error: %s", errMsg))
		http.Error(w, "Authorization failed: "+html.EscapeString(errMsg), http.StatusBadRequest)
		return
	}

	select {
	case s.codeChan <- code:
	default:
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head><title>Site Kit connected</title></head>
<body style="font-family: system-ui; text-align: center; padding-top: 20vh;">
	<h1>Site Kit is connected</h1>
	<p>You can close this window and return to the terminal.</p>
</body>
</html>
`)
}
