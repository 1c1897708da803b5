package worker

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/corvidqueue/corvid/internal/factory"
)

// The handlers below are demonstration classes, registered by cmd/worker's
// main as a starting point. Operators replace them with their own Factory
// registrations; the core never references these by name.

// CountItemsConstructor builds a handler that counts a JSON array payload.
func CountItemsConstructor(args interface{}, queue string) (factory.Handler, error) {
	items, err := decodeStringSlice(args)
	if err != nil {
		return nil, fmt.Errorf("count_items: %w", err)
	}
	return countItemsHandler{items: items}, nil
}

type countItemsHandler struct{ items []string }

func (h countItemsHandler) Perform() (interface{}, error) {
	log.Printf("counted %d items", len(h.items))
	return len(h.items), nil
}

type sendEmailArgs struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// SendEmailConstructor builds a handler that simulates sending an email.
func SendEmailConstructor(args interface{}, queue string) (factory.Handler, error) {
	var email sendEmailArgs
	if err := decodeInto(args, &email); err != nil {
		return nil, fmt.Errorf("send_email: %w", err)
	}
	return sendEmailHandler{email: email}, nil
}

type sendEmailHandler struct{ email sendEmailArgs }

func (h sendEmailHandler) Perform() (interface{}, error) {
	log.Printf("sending email to %s", h.email.To)
	time.Sleep(2 * time.Second)
	return nil, nil
}

// ProcessDataConstructor builds a handler that simulates generic data
// processing, ignoring its arguments.
func ProcessDataConstructor(args interface{}, queue string) (factory.Handler, error) {
	return processDataHandler{}, nil
}

type processDataHandler struct{}

func (h processDataHandler) Perform() (interface{}, error) {
	log.Printf("processing data")
	time.Sleep(3 * time.Second)
	return nil, nil
}

func decodeInto(args interface{}, dst interface{}) error {
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func decodeStringSlice(args interface{}) ([]string, error) {
	raw, ok := args.([]interface{})
	if !ok {
		if items, ok := args.([]string); ok {
			return items, nil
		}
		return nil, fmt.Errorf("expected array argument, got %T", args)
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string element, got %T", v)
		}
		out = append(out, s)
	}
	return out, nil
}
