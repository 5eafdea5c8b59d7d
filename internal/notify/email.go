package notify

import (
	"context"
	"fmt"

	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

// noiseEmail builds the subject and body of a noise alert.
func noiseEmail(levelDB, thresholdDB float64) (subject, body string) {
	subject = "[ALERT] Noise Detected - " + AppName
	body = fmt.Sprintf(
		"The recording level crossed the noise threshold.\n\n"+
			"Level:     %.1f dB\n"+
			"Threshold: %.1f dB\n"+
			"Time:      %s\n\n"+
			"Levels are relative to full scale and not calibrated.",
		levelDB, thresholdDB, util.HumanTime(),
	)
	return subject, body
}

// SendTestEmail sends a test email to verify email configuration.
func SendTestEmail(ctx context.Context, cfg GraphConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	client, err := NewGraphClient(cfg)
	if err != nil {
		return fmt.Errorf("create Graph client: %w", err)
	}

	if err := client.ValidateAuth(ctx); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	subject := "[TEST] " + AppName
	body := fmt.Sprintf(
		"Test email from the noise meter.\n\n"+
			"Time: %s\n\n"+
			"Microsoft Graph configuration is working correctly.",
		util.HumanTime(),
	)

	if err := client.SendMail(ctx, ParseRecipients(cfg.Recipients), subject, body); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}
