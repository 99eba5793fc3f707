// ABOUTME: BroadcastEngine resolves recipients and delivers sequentially
// ABOUTME: Failures are recorded per recipient, never abort the campaign

package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mitbiz/wagate/internal/config"
	"github.com/mitbiz/wagate/internal/media"
	"github.com/mitbiz/wagate/internal/store"
	"github.com/mitbiz/wagate/internal/wire"
)

// ErrNoRecipients is returned when a campaign resolves to zero
// deliverable targets. The check happens before any transport I/O.
var ErrNoRecipients = errors.New("broadcast resolved no recipients")

// Recipient is one resolved delivery target.
type Recipient struct {
	Address   string
	Name      string
	ContactID string
}

// Request describes one campaign submission. Addresses and ContactIDs
// may both be set; UseAllContacts overrides the id filter.
type Request struct {
	SessionID string
	OwnerID   string

	Type     string // store.CampaignTypeText or store.CampaignTypeImage
	Text     string // body or image caption, may carry {name}
	ImageURL string

	Addresses      []string // explicit phone numbers
	ContactIDs     []string
	UseAllContacts bool

	// Verify checks network registration per recipient; unregistered
	// addresses are recorded SKIPPED without a send attempt.
	Verify bool

	Throttle *Throttle
}

// Result is the campaign-level outcome: counts per terminal status and
// the full ordered per-recipient list.
type Result struct {
	CampaignID string
	Total      int
	Summary    map[string]int
	Results    []*store.DeliveryResult
}

// Engine runs campaigns against a live transport borrowed from the
// session layer. One Run call is one campaign; the loop inside is
// single-threaded by design.
type Engine struct {
	store   store.Store
	fetcher media.Fetcher
	cfg     config.BroadcastConfig
	logger  *slog.Logger

	sleep func(time.Duration) // swapped out in tests
}

// NewEngine creates an engine with the configured throttle defaults.
func NewEngine(s store.Store, fetcher media.Fetcher, cfg config.BroadcastConfig, logger *slog.Logger) *Engine {
	return &Engine{
		store:   s,
		fetcher: fetcher,
		cfg:     cfg,
		logger:  logger.With("component", "broadcast"),
		sleep:   time.Sleep,
	}
}

// Run resolves recipients from the directory and explicit addresses,
// then delivers the campaign.
func (e *Engine) Run(ctx context.Context, tr wire.Transport, req Request) (*Result, error) {
	recipients, err := e.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.RunDirect(ctx, tr, req, recipients)
}

// RunDirect delivers a campaign to an already-resolved recipient list.
// The group fan-out path uses this with recipients taken from live
// group metadata instead of the directory.
func (e *Engine) RunDirect(ctx context.Context, tr wire.Transport, req Request, recipients []Recipient) (*Result, error) {
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	throttle := e.throttleFor(req)

	// The image is fetched exactly once per campaign, before anything is
	// persisted: a dead URL must not leave an empty campaign row behind.
	var image []byte
	if req.Type == store.CampaignTypeImage {
		data, err := e.fetcher.Fetch(ctx, req.ImageURL)
		if err != nil {
			return nil, fmt.Errorf("fetching campaign image: %w", err)
		}
		image = data
	}

	camp := &store.Campaign{
		ID:        uuid.New().String(),
		SessionID: req.SessionID,
		Type:      req.Type,
		Text:      req.Text,
		ImageURL:  req.ImageURL,
		DelayMs:   throttle.DelayMs,
		JitterMs:  throttle.JitterMs,
	}
	if err := e.store.CreateCampaign(ctx, camp); err != nil {
		return nil, fmt.Errorf("creating campaign: %w", err)
	}

	e.logger.Info("campaign started",
		"campaign_id", camp.ID,
		"session_id", req.SessionID,
		"type", req.Type,
		"recipients", len(recipients),
		"delay_ms", throttle.DelayMs,
		"jitter_ms", throttle.JitterMs)

	return e.deliver(ctx, tr, camp, recipients, req.Verify, image, throttle)
}

// deliver is the sequential campaign loop. Every recipient produces
// exactly one persisted result; the loop never aborts early.
func (e *Engine) deliver(ctx context.Context, tr wire.Transport, camp *store.Campaign, recipients []Recipient, verify bool, image []byte, throttle Throttle) (*Result, error) {
	out := &Result{
		CampaignID: camp.ID,
		Total:      len(recipients),
		Summary:    make(map[string]int),
		Results:    make([]*store.DeliveryResult, 0, len(recipients)),
	}

	for i, r := range recipients {
		last := i == len(recipients)-1
		res := &store.DeliveryResult{
			ID:         uuid.New().String(),
			CampaignID: camp.ID,
			Address:    r.Address,
			ContactID:  r.ContactID,
		}

		if verify {
			registered, canonical, err := tr.IsRegistered(ctx, r.Address)
			if err != nil {
				e.record(ctx, out, res, store.DeliveryFailed, fmt.Sprintf("verifying registration: %v", err))
				if !last {
					e.sleep(withJitter(e.failureDelay(throttle), throttle.JitterMs))
				}
				continue
			}
			if !registered {
				// Skips cost nothing on the network side, so no delay.
				e.record(ctx, out, res, store.DeliverySkipped, "not registered")
				continue
			}
			if canonical != "" {
				r.Address = canonical
				res.Address = canonical
			}
		}

		body := RenderTemplate(camp.Text, r.Name)
		var err error
		if image != nil {
			_, err = tr.SendImage(ctx, r.Address, image, body)
		} else {
			_, err = tr.SendText(ctx, r.Address, body)
		}

		if err != nil {
			e.record(ctx, out, res, store.DeliveryFailed, err.Error())
			if !last {
				e.sleep(withJitter(e.failureDelay(throttle), throttle.JitterMs))
			}
			continue
		}

		e.record(ctx, out, res, store.DeliverySent, "")
		if !last {
			e.sleep(withJitter(throttle.DelayMs, throttle.JitterMs))
		}
	}

	e.logger.Info("campaign finished",
		"campaign_id", camp.ID,
		"sent", out.Summary[store.DeliverySent],
		"skipped", out.Summary[store.DeliverySkipped],
		"failed", out.Summary[store.DeliveryFailed])
	return out, nil
}

// record finalizes one delivery result, persists it and tallies it. A
// persistence failure is logged but does not disturb the loop.
func (e *Engine) record(ctx context.Context, out *Result, res *store.DeliveryResult, status, errText string) {
	res.Status = status
	res.Error = errText
	if err := e.store.SaveDeliveryResult(ctx, res); err != nil {
		e.logger.Error("persisting delivery result failed",
			"campaign_id", res.CampaignID, "address", res.Address, "error", err)
	}
	out.Summary[status]++
	out.Results = append(out.Results, res)
}

// resolve builds the recipient set: directory contacts first, explicit
// addresses overlaid on top, all keyed by normalized phone so the same
// human never appears twice.
func (e *Engine) resolve(ctx context.Context, req Request) ([]Recipient, error) {
	byKey := make(map[string]*Recipient)
	order := make([]string, 0, len(req.Addresses))

	if req.UseAllContacts || len(req.ContactIDs) > 0 {
		ids := req.ContactIDs
		if req.UseAllContacts {
			ids = nil
		}
		contacts, err := e.store.ListActiveContacts(ctx, req.OwnerID, ids)
		if err != nil {
			return nil, fmt.Errorf("listing contacts: %w", err)
		}
		for _, c := range contacts {
			key := wire.NormalizePhone(c.Phone, e.cfg.CountryPrefix)
			if key == "" {
				e.logger.Debug("dropping unusable contact phone",
					"contact_id", c.ID)
				continue
			}
			if _, ok := byKey[key]; !ok {
				order = append(order, key)
			}
			byKey[key] = &Recipient{
				Address:   wire.PhoneToAddress(key),
				Name:      c.Name,
				ContactID: c.ID,
			}
		}
	}

	for _, raw := range req.Addresses {
		key := wire.NormalizePhone(raw, e.cfg.CountryPrefix)
		if key == "" {
			e.logger.Debug("dropping unusable recipient", "input", raw)
			continue
		}
		if _, ok := byKey[key]; ok {
			// Explicit mention of a directory contact; the contact link
			// and name stay.
			continue
		}
		order = append(order, key)
		byKey[key] = &Recipient{Address: wire.PhoneToAddress(key)}
	}

	if len(order) == 0 {
		return nil, ErrNoRecipients
	}

	recipients := make([]Recipient, 0, len(order))
	for _, key := range order {
		recipients = append(recipients, *byKey[key])
	}
	return recipients, nil
}

// throttleFor merges the request throttle with configured defaults.
func (e *Engine) throttleFor(req Request) Throttle {
	t := Throttle{
		DelayMs:        e.cfg.DefaultDelayMs,
		JitterMs:       e.cfg.DefaultJitterMs,
		FailureFloorMs: e.cfg.FailureBackoffFloorMs,
	}
	if req.Type == store.CampaignTypeImage && t.FailureFloorMs < failureFloorImageMs {
		t.FailureFloorMs = failureFloorImageMs
	}
	if t.FailureFloorMs < failureFloorTextMs {
		t.FailureFloorMs = failureFloorTextMs
	}
	if req.Throttle != nil {
		if req.Throttle.DelayMs > 0 {
			t.DelayMs = req.Throttle.DelayMs
		}
		if req.Throttle.JitterMs > 0 {
			t.JitterMs = req.Throttle.JitterMs
		}
		if req.Throttle.FailureFloorMs > 0 {
			t.FailureFloorMs = req.Throttle.FailureFloorMs
		}
	}
	return t
}

// failureDelay is the base delay applied after a failed send: the
// configured floor, but never below the campaign's own delay.
func (e *Engine) failureDelay(t Throttle) int {
	if t.DelayMs > t.FailureFloorMs {
		return t.DelayMs
	}
	return t.FailureFloorMs
}
