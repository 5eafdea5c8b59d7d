package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-noisemeter/internal/config"
	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

// sendTimeout bounds one alert delivery including retries.
const sendTimeout = 2 * time.Minute

// NoiseNotifier sends one alert per channel for each capture session in
// which the level crosses the threshold.
type NoiseNotifier struct {
	cfg *config.Config

	// mu protects the notification state fields below
	mu sync.Mutex

	webhookSent bool
	emailSent   bool

	// graphClient is rebuilt when the Graph settings change.
	graphClient *GraphClient
	graphCfg    GraphConfig

	// wg tracks in-flight deliveries.
	wg sync.WaitGroup
}

// NewNoiseNotifier returns a NoiseNotifier configured with the given config.
func NewNoiseNotifier(cfg *config.Config) *NoiseNotifier {
	return &NoiseNotifier{cfg: cfg}
}

func (n *NoiseNotifier) clientFor(cfg GraphConfig) (*GraphClient, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.graphClient != nil && n.graphCfg == cfg {
		return n.graphClient, nil
	}
	client, err := NewGraphClient(cfg)
	if err != nil {
		return nil, err
	}
	n.graphClient, n.graphCfg = client, cfg
	return client, nil
}

// NoiseDetected sends alerts on every configured channel that has not
// alerted since the last Reset. Delivery happens in the background.
func (n *NoiseNotifier) NoiseDetected(levelDB, thresholdDB float64) {
	cfg := n.cfg.Snapshot()

	n.trySend(&n.webhookSent, cfg.HasWebhook(), func() {
		util.LogNotifyResult(func() error {
			return SendNoiseWebhook(cfg.WebhookURL, levelDB, thresholdDB)
		}, "webhook")
	})
	n.trySend(&n.emailSent, cfg.HasGraph(), func() {
		graphCfg := BuildGraphConfig(&cfg)
		util.LogNotifyResult(func() error {
			return n.sendNoiseEmail(graphCfg, levelDB, thresholdDB)
		}, "email")
	})
}

// trySend sends a notification if the condition is met and not already sent.
func (n *NoiseNotifier) trySend(sent *bool, condition bool, sender func()) {
	n.mu.Lock()
	shouldSend := !*sent && condition
	if shouldSend {
		*sent = true
	}
	n.mu.Unlock()
	if shouldSend {
		n.wg.Go(sender)
	}
}

// Reset clears the notification state for a new session.
func (n *NoiseNotifier) Reset() {
	n.mu.Lock()
	n.webhookSent = false
	n.emailSent = false
	n.mu.Unlock()
}

// Wait blocks until in-flight deliveries finish.
func (n *NoiseNotifier) Wait() {
	n.wg.Wait()
}

// BuildGraphConfig creates a GraphConfig from the config snapshot.
func BuildGraphConfig(cfg *config.Snapshot) GraphConfig {
	return GraphConfig{
		TenantID:     cfg.GraphTenantID,
		ClientID:     cfg.GraphClientID,
		ClientSecret: cfg.GraphClientSecret,
		FromAddress:  cfg.GraphFromAddress,
		Recipients:   cfg.GraphRecipients,
	}
}

func (n *NoiseNotifier) sendNoiseEmail(cfg GraphConfig, levelDB, thresholdDB float64) error {
	client, err := n.clientFor(cfg)
	if err != nil {
		return util.WrapError("create Graph client", err)
	}

	recipients := ParseRecipients(cfg.Recipients)
	if len(recipients) == 0 {
		return fmt.Errorf("no valid recipients")
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	subject, body := noiseEmail(levelDB, thresholdDB)
	if err := client.SendMail(ctx, recipients, subject, body); err != nil {
		return util.WrapError("send email via Graph", err)
	}
	return nil
}
