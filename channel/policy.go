package channel

import (
	"fmt"
	"time"

	"github.com/opd-ai/obvcore/crypto"
)

const (
	// DefaultProvisionWindow is the number of receive keys kept ahead of the
	// last decrypted position.
	DefaultProvisionWindow = 20

	// MaxProvisionWindow bounds the window to keep channel records small.
	MaxProvisionWindow = 1000
)

// Policy tunes the receive window, key expiry and the full ratchet strategy.
type Policy struct {
	ProvisionWindow int `toml:"provision_window"`
	// OldKeyRetention is how long skipped receive keys stay usable for late messages.
	OldKeyRetention time.Duration `toml:"old_key_retention"`

	// A full ratchet is due once this many messages were sent on the current
	// send seed or once the seed is older than FullRatchetValidity.
	MaxMessagesPerFullRatchet int64         `toml:"max_messages_per_full_ratchet"`
	FullRatchetValidity       time.Duration `toml:"full_ratchet_validity"`

	// While a full ratchet is in progress it is restarted when the remote
	// side looks unresponsive.
	MaxDecryptedSinceFullRatchetMessage int64         `toml:"max_decrypted_since_full_ratchet_message"`
	MaxTimeSinceFullRatchetMessage      time.Duration `toml:"max_time_since_full_ratchet_message"`
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		ProvisionWindow:                     DefaultProvisionWindow,
		OldKeyRetention:                     24 * time.Hour,
		MaxMessagesPerFullRatchet:           100,
		FullRatchetValidity:                 7 * 24 * time.Hour,
		MaxDecryptedSinceFullRatchetMessage: 200,
		MaxTimeSinceFullRatchetMessage:      24 * time.Hour,
	}
}

// Validate checks the policy bounds.
func (p Policy) Validate() error {
	if p.ProvisionWindow < 1 || p.ProvisionWindow > MaxProvisionWindow {
		return fmt.Errorf("%w: provision window %d out of range [1, %d]", ErrConfiguration, p.ProvisionWindow, MaxProvisionWindow)
	}
	if p.OldKeyRetention <= 0 {
		return fmt.Errorf("%w: old key retention must be positive", ErrConfiguration)
	}
	if p.MaxMessagesPerFullRatchet < 1 || p.MaxDecryptedSinceFullRatchetMessage < 1 {
		return fmt.Errorf("%w: full ratchet message thresholds must be positive", ErrConfiguration)
	}
	if p.FullRatchetValidity <= 0 || p.MaxTimeSinceFullRatchetMessage <= 0 {
		return fmt.Errorf("%w: full ratchet intervals must be positive", ErrConfiguration)
	}
	return nil
}

// requiresFullRatchet evaluates the policy against a channel at time now.
func (p Policy) requiresFullRatchet(c *Channel, now time.Time) bool {
	log := crypto.NewPackageLogger("channel", "requiresFullRatchet").WithUID("device", c.Key.RemoteDevice)
	nowNano := now.UnixNano()

	if c.FullRatchetInProgress {
		switch {
		case c.DecryptedSinceFullRatchetMessage >= p.MaxDecryptedSinceFullRatchetMessage:
			log.WithField("reason", "remote kept sending without answering")
		case time.Duration(nowNano-c.LastFullRatchetMessage) >= p.MaxTimeSinceFullRatchetMessage:
			log.WithField("reason", "full ratchet message too old")
		case c.EncryptedSinceFullRatchetMessage >= int64(p.ProvisionWindow):
			log.WithField("reason", "sent past the remote receive window")
		default:
			return false
		}
		log.Info("Restarting full ratchet of the send seed")
		return true
	}

	switch {
	case c.EncryptedMessages-c.EncryptedAtLastFullRatchet >= p.MaxMessagesPerFullRatchet:
		log.WithField("reason", "message count")
	case time.Duration(nowNano-c.LastFullRatchet) >= p.FullRatchetValidity:
		log.WithField("reason", "send seed age")
	default:
		return false
	}
	log.Info("Full ratchet of the send seed required")
	return true
}
