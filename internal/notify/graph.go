package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// graphBaseURL is replaced in tests.
var graphBaseURL = "https://graph.microsoft.com/v1.0"

const (
	graphScope    = "https://graph.microsoft.com/.default"
	graphTokenURL = "https://login.microsoftonline.com/%s/oauth2/v2.0/token" //nolint:gosec // URL template, not a credential

	graphAttempts    = 4
	graphRetryMin    = 1 * time.Second
	graphRetryMax    = 30 * time.Second
	graphHTTPTimeout = 30 * time.Second
)

// GraphConfig is the app registration and shared mailbox that sends noise
// alerts.
type GraphConfig struct {
	TenantID     string `label:"tenant ID" validate:"required,guid"`
	ClientID     string `label:"client ID" validate:"required,guid"`
	ClientSecret string `label:"client secret" validate:"required"`
	FromAddress  string `label:"from address" validate:"required,email"`
	// Comma-separated.
	Recipients string `label:"recipients" validate:"required"`
}

// senderFields are the fields a GraphClient needs; recipients come per mail.
var senderFields = []string{"TenantID", "ClientID", "ClientSecret", "FromAddress"}

var graphValidate = newGraphValidator()

func newGraphValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("label")
	})
	// Azure shows GUIDs in either case.
	_ = v.RegisterValidation("guid", func(fl validator.FieldLevel) bool {
		return uuid.Validate(fl.Field().String()) == nil
	})
	return v
}

// Validate checks that every field is present and well formed.
func (c GraphConfig) Validate() error {
	return graphConfigError(graphValidate.Struct(c))
}

// graphConfigError reports the first failing field in plain words.
func graphConfigError(err error) error {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) || len(errs) == 0 {
		return err
	}
	fe := errs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", fe.Field())
	case "guid":
		return fmt.Errorf("%s must be a GUID (e.g., 12345678-1234-1234-1234-123456789abc)", fe.Field())
	case "email":
		return fmt.Errorf("%s must be an email address", fe.Field())
	default:
		return fmt.Errorf("%s is invalid", fe.Field())
	}
}

// GraphClient sends mail from one mailbox through Microsoft Graph.
type GraphClient struct {
	from   string
	tokens oauth2.TokenSource
	http   *http.Client
}

// NewGraphClient returns a client authenticated with the client credentials
// in cfg. Tokens are fetched lazily on the first request.
func NewGraphClient(cfg GraphConfig) (*GraphClient, error) {
	if err := graphConfigError(graphValidate.StructPartial(cfg, senderFields...)); err != nil {
		return nil, err
	}

	creds := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     fmt.Sprintf(graphTokenURL, cfg.TenantID),
		Scopes:       []string{graphScope},
	}
	base := &http.Client{Timeout: graphHTTPTimeout}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	tokens := creds.TokenSource(ctx)

	return &GraphClient{
		from:   cfg.FromAddress,
		tokens: tokens,
		http:   oauth2.NewClient(ctx, tokens),
	}, nil
}

type graphMailRequest struct {
	Message graphMessage `json:"message"`
}

type graphMessage struct {
	Subject      string           `json:"subject"`
	Body         graphBody        `json:"body"`
	ToRecipients []graphRecipient `json:"toRecipients"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphRecipient struct {
	EmailAddress struct {
		Address string `json:"address"`
	} `json:"emailAddress"`
}

func newGraphMail(to []string, subject, body string) (graphMailRequest, error) {
	req := graphMailRequest{Message: graphMessage{
		Subject: subject,
		Body:    graphBody{ContentType: "Text", Content: body},
	}}
	for _, addr := range to {
		if addr = strings.TrimSpace(addr); addr == "" {
			continue
		}
		var r graphRecipient
		r.EmailAddress.Address = addr
		req.Message.ToRecipients = append(req.Message.ToRecipients, r)
	}
	if len(req.Message.ToRecipients) == 0 {
		return req, fmt.Errorf("no recipients specified")
	}
	return req, nil
}

// SendMail sends a plain-text mail to the given addresses. Throttling and
// transient server errors are retried with backoff.
func (c *GraphClient) SendMail(ctx context.Context, to []string, subject, body string) error {
	mail, err := newGraphMail(to, subject, body)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(mail)
	if err != nil {
		return util.WrapError("marshal mail", err)
	}

	endpoint := c.mailboxURL() + "/sendMail"
	backoff := util.NewBackoff(graphRetryMin, graphRetryMax)

	var lastErr error
	for attempt := range graphAttempts {
		if attempt > 0 {
			if err := backoff.Wait(ctx); err != nil {
				return fmt.Errorf("%w (last error: %w)", err, lastErr)
			}
		}

		retry, err := c.postMail(ctx, endpoint, payload)
		if err == nil {
			return nil
		}
		if !retry {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("gave up after %d attempts: %w", graphAttempts, lastErr)
}

// postMail makes one sendMail request and reports whether a failure is
// worth retrying.
func (c *GraphClient) postMail(ctx context.Context, endpoint string, payload []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return false, util.WrapError("create request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return true, util.WrapError("send request", err)
	}
	body, _ := io.ReadAll(resp.Body)
	util.CloseLogged(resp.Body, "graph response body")

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		return false, nil
	case http.StatusTooManyRequests:
		if err := waitRetryAfter(ctx, resp.Header.Get("Retry-After")); err != nil {
			return false, err
		}
		return true, fmt.Errorf("graph API throttled: %s", body)
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true, fmt.Errorf("graph API returned %d: %s", resp.StatusCode, body)
	default:
		return false, fmt.Errorf("graph API error %d: %s", resp.StatusCode, body)
	}
}

// waitRetryAfter honours a Retry-After header given in whole seconds.
func waitRetryAfter(ctx context.Context, header string) error {
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(seconds) * time.Second)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ValidateAuth fetches a token and checks that the sending mailbox exists.
func (c *GraphClient) ValidateAuth(ctx context.Context) error {
	if _, err := c.tokens.Token(); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.mailboxURL(), http.NoBody)
	if err != nil {
		return util.WrapError("create validation request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return util.WrapError("validation request", err)
	}
	defer util.CloseLogged(resp.Body, "graph response body")

	switch resp.StatusCode {
	// 403 means the token lacks User.Read, which Mail.Send does not need.
	case http.StatusOK, http.StatusForbidden:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("mailbox %s not found", c.from)
	case http.StatusUnauthorized:
		return fmt.Errorf("authentication failed: invalid credentials")
	default:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("validation failed with status %d: %s", resp.StatusCode, body)
	}
}

func (c *GraphClient) mailboxURL() string {
	return graphBaseURL + "/users/" + url.PathEscape(c.from)
}

// ParseRecipients splits a comma-separated address list.
func ParseRecipients(recipients string) []string {
	var result []string
	for r := range strings.SplitSeq(recipients, ",") {
		if r = strings.TrimSpace(r); r != "" {
			result = append(result, r)
		}
	}
	return result
}
