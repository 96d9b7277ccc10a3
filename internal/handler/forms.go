package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/consometers/sge-tiers-proxy/internal/dsoclient"
	"github.com/consometers/sge-tiers-proxy/internal/ledger"
)

// Each client-facing operation presents a two-step dialogue over the
// messaging transport's execute-command pattern (spec.md §6.1): step one
// returns the request Form below, step two submits its field values. The
// transport adapter renders Form in its own wire shape and calls the
// matching Submit method with what came back; this package never sees the
// wire protocol itself.

// FormField is one field of a request form.
type FormField struct {
	Var      string
	Label    string
	Required bool
}

// Form is the request step of a dialogue.
type Form struct {
	Title  string
	Fields []FormField
}

// GetHistoryForm is the request form of the get-history dialogue.
func GetHistoryForm() Form {
	return Form{
		Title: "Get history",
		Fields: []FormField{
			{Var: "identifier", Label: "Identifier", Required: true},
			{Var: "start_time", Label: "Start time", Required: true},
			{Var: "end_time", Label: "End time", Required: true},
		},
	}
}

// SubscribeForm is the request form of the subscribe dialogue.
func SubscribeForm() Form {
	return Form{
		Title:  "Subscribe",
		Fields: []FormField{{Var: "identifier", Label: "Identifier", Required: true}},
	}
}

// UnsubscribeForm is the request form of the unsubscribe dialogue.
func UnsubscribeForm() Form {
	return Form{
		Title:  "Unsubscribe",
		Fields: []FormField{{Var: "identifier", Label: "Identifier", Required: true}},
	}
}

// SubmitGetHistory validates the submitted get-history field values and
// runs the operation. start_time/end_time must be ISO-8601 with timezone
// (spec.md §6.1).
func (h *Handlers) SubmitGetHistory(ctx context.Context, userJID string, values map[string]string) (dsoclient.Data, error) {
	identifier, err := requiredField(values, "identifier")
	if err != nil {
		return dsoclient.Data{}, err
	}
	start, err := timeField(values, "start_time")
	if err != nil {
		return dsoclient.Data{}, err
	}
	end, err := timeField(values, "end_time")
	if err != nil {
		return dsoclient.Data{}, err
	}
	return h.GetHistory(ctx, userJID, identifier, start, end)
}

// SubmitSubscribe validates the submitted subscribe field values and runs
// the operation.
func (h *Handlers) SubmitSubscribe(ctx context.Context, userJID string, values map[string]string) (ledger.Subscription, error) {
	identifier, err := requiredField(values, "identifier")
	if err != nil {
		return ledger.Subscription{}, err
	}
	return h.Subscribe(ctx, userJID, identifier)
}

// SubmitUnsubscribe validates the submitted unsubscribe field values and
// runs the operation.
func (h *Handlers) SubmitUnsubscribe(ctx context.Context, userJID string, values map[string]string) error {
	identifier, err := requiredField(values, "identifier")
	if err != nil {
		return err
	}
	return h.Unsubscribe(ctx, userJID, identifier)
}

func requiredField(values map[string]string, name string) (string, error) {
	v := values[name]
	if v == "" {
		return "", fmt.Errorf("%w: field %q is required", ErrBadRequest, name)
	}
	return v, nil
}

func timeField(values map[string]string, name string) (time.Time, error) {
	raw, err := requiredField(values, name)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: field %q: %v", ErrBadRequest, name, err)
	}
	return t, nil
}
