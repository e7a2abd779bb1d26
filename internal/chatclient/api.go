// Package chatclient is the client half of the messaging core: a REST
// client, the live websocket transport, and a Session that wires key
// exchange and conversation views to both.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/pliu/cipherchat/internal/chaterr"
	"github.com/pliu/cipherchat/internal/models"
)

// StatusError is a non-2xx response from the server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// API talks to the REST surface. The session cookie set by Signup or Login
// is kept in the jar and reused by the websocket dialer.
type API struct {
	base *url.URL
	hc   *http.Client
}

func NewAPI(baseURL string) (*API, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "parse server url %q", baseURL)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, errors.Wrap(err, "cookie jar")
	}
	return &API{
		base: base,
		hc:   &http.Client{Jar: jar, Timeout: 15 * time.Second},
	}, nil
}

// Jar exposes the session cookies.
func (a *API) Jar() http.CookieJar {
	return a.hc.Jar
}

// WebsocketURL returns the /ws endpoint on the same host.
func (a *API) WebsocketURL() string {
	u := *a.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

func (a *API) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base.String()+path, rd)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.hc.Do(req)
	if err != nil {
		return chaterr.Transport(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	return errors.Wrapf(json.NewDecoder(resp.Body).Decode(out), "decode %s", path)
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (a *API) Signup(ctx context.Context, username, password string) (*models.User, error) {
	var u models.User
	if err := a.do(ctx, http.MethodPost, "/auth/signup", credentials{username, password}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (a *API) Login(ctx context.Context, username, password string) (*models.User, error) {
	var u models.User
	if err := a.do(ctx, http.MethodPost, "/auth/login", credentials{username, password}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// LoginOrSignup logs in, creating the account on first use.
func (a *API) LoginOrSignup(ctx context.Context, username, password string) (*models.User, error) {
	u, err := a.Login(ctx, username, password)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusUnauthorized {
		return a.Signup(ctx, username, password)
	}
	return u, err
}

func (a *API) Users(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := a.do(ctx, http.MethodGet, "/message/users", nil, &users)
	return users, err
}

func (a *API) History(ctx context.Context, peerID string) ([]models.Message, error) {
	var msgs []models.Message
	err := a.do(ctx, http.MethodGet, "/message/"+url.PathEscape(peerID), nil, &msgs)
	return msgs, err
}

type sendBody struct {
	Encrypted       models.Encrypted `json:"encrypted"`
	SenderPublicKey models.JWK       `json:"senderPublicKey,omitempty"`
	Kind            models.Kind      `json:"kind"`
}

// Send submits an encrypted message. Server-side failures come back as
// chaterr.ErrPersistence and rejected payloads as a ValidationError.
func (a *API) Send(ctx context.Context, peerID string, enc models.Encrypted, senderKey models.JWK, kind models.Kind) (*models.Message, error) {
	var m models.Message
	err := a.do(ctx, http.MethodPost, "/message/send/"+url.PathEscape(peerID),
		sendBody{Encrypted: enc, SenderPublicKey: senderKey, Kind: kind}, &m)
	var se *StatusError
	switch {
	case errors.As(err, &se) && se.Code == http.StatusBadRequest:
		return nil, chaterr.Validation("message", se.Message)
	case errors.As(err, &se) && se.Code >= 500:
		return nil, chaterr.Persistence(se, "send to %s", peerID)
	case err != nil:
		return nil, err
	}
	return &m, nil
}

// MarkRead marks every message from peerID as read without a live
// connection.
func (a *API) MarkRead(ctx context.Context, peerID string) (int64, error) {
	var out struct {
		Updated int64 `json:"updated"`
	}
	err := a.do(ctx, http.MethodPost, "/message/read/"+url.PathEscape(peerID), nil, &out)
	return out.Updated, err
}

type publicKeyBody struct {
	PublicKey models.JWK `json:"publicKey"`
}

func (a *API) UploadPublicKey(ctx context.Context, key models.JWK) error {
	return a.do(ctx, http.MethodPost, "/auth/upload-public-key", publicKeyBody{key}, nil)
}

// FetchPublicKey returns nil when the user has not published a key.
func (a *API) FetchPublicKey(ctx context.Context, userID string) (models.JWK, error) {
	var raw struct {
		PublicKey json.RawMessage `json:"publicKey"`
	}
	if err := a.do(ctx, http.MethodGet, "/auth/user/"+url.PathEscape(userID)+"/public-key", nil, &raw); err != nil {
		return nil, err
	}
	return models.ParseJWK(raw.PublicKey)
}
