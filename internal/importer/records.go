package importer

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/Veraticus/tally/internal/model"
)

// ErrNoRecords is returned when a receipt file holds no records.
var ErrNoRecords = errors.New("no receipt records found")

// Scalar captures a YAML or JSON scalar as written, so "12.50" and 12.50
// decode alike.
type Scalar string

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Scalar) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a scalar value", node.Line)
	}
	*s = Scalar(strings.TrimSpace(node.Value))
	return nil
}

// Record is one receipt as produced by the receipt scanner.
type Record struct {
	Merchant      string     `yaml:"merchant"`
	Amount        Scalar     `yaml:"amount"`
	Currency      string     `yaml:"currency"`
	Date          Scalar     `yaml:"date"`
	Category      string     `yaml:"category"`
	PaymentMethod string     `yaml:"payment_method"`
	Notes         string     `yaml:"notes"`
	Tags          []string   `yaml:"tags"`
	LineItems     []LineItem `yaml:"line_items"`
}

// LineItem is one priced line of a receipt record.
type LineItem struct {
	Name     string `yaml:"name"`
	Amount   Scalar `yaml:"amount"`
	Quantity int    `yaml:"quantity"`
}

type recordFile struct {
	Receipts []Record `yaml:"receipts"`
}

// ParseRecords reads receipt records from YAML or JSON. The document is
// either a list of records or a mapping with a "receipts" list.
func ParseRecords(r io.Reader) ([]Record, error) {
	var doc yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrNoRecords
		}
		return nil, fmt.Errorf("failed to parse receipt records: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, ErrNoRecords
	}

	var records []Record
	root := doc.Content[0]
	switch root.Kind {
	case yaml.SequenceNode:
		if err := root.Decode(&records); err != nil {
			return nil, fmt.Errorf("failed to decode receipt records: %w", err)
		}
	case yaml.MappingNode:
		var file recordFile
		if err := root.Decode(&file); err != nil {
			return nil, fmt.Errorf("failed to decode receipt records: %w", err)
		}
		records = file.Receipts
	default:
		return nil, fmt.Errorf("failed to decode receipt records: unexpected document at line %d", root.Line)
	}

	if len(records) == 0 {
		return nil, ErrNoRecords
	}
	return records, nil
}

// Draft converts the record into an expense draft. Category and tag names
// are left for the importer to resolve.
func (r Record) Draft() (model.ExpenseDraft, error) {
	var draft model.ExpenseDraft

	amount, err := decimal.NewFromString(string(r.Amount))
	if err != nil {
		return draft, fmt.Errorf("invalid amount %q", r.Amount)
	}
	date, err := model.ParseDate(string(r.Date))
	if err != nil {
		return draft, err
	}

	draft = model.ExpenseDraft{
		Date: date,
		Fields: model.Fields{
			Amount:   amount,
			Currency: r.Currency,
			Merchant: r.Merchant,
			Notes:    r.Notes,
		},
	}
	if r.PaymentMethod != "" {
		pm := model.PaymentMethod(strings.ToLower(strings.TrimSpace(r.PaymentMethod)))
		draft.PaymentMethod = &pm
	}

	for i, item := range r.LineItems {
		itemAmount, err := decimal.NewFromString(string(item.Amount))
		if err != nil {
			return model.ExpenseDraft{}, fmt.Errorf("line item %d: invalid amount %q", i+1, item.Amount)
		}
		draft.LineItems = append(draft.LineItems, model.LineItem{
			Name:     item.Name,
			Amount:   itemAmount,
			Quantity: item.Quantity,
		})
	}

	draft.Normalize()
	return draft, nil
}

// Label identifies the record in reports.
func (r Record) Label() string {
	if r.Date != "" {
		return fmt.Sprintf("%s on %s", r.Merchant, r.Date)
	}
	return r.Merchant
}
