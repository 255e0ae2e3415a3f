// Package ofx converts OFX/QFX bank and credit card statements into expense
// drafts. Debits become expenses; credits are skipped.
package ofx

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/aclindsa/ofxgo"
	"github.com/shopspring/decimal"

	"github.com/Veraticus/tally/internal/model"
)

var (
	severityRegex = regexp.MustCompile(`(?i)<SEVERITY>(Info|Warn|Error)</SEVERITY>`)
	tagFixRegex   = regexp.MustCompile(`(?m)^(\s*<[A-Z][A-Z0-9._]*[A-Z0-9])$`)
)

// Entry is one statement debit converted to an expense draft.
type Entry struct {
	// FITID is the institution's transaction ID.
	FITID   string
	Account string
	Draft   model.ExpenseDraft
}

// Statement is the result of parsing one OFX file.
type Statement struct {
	Entries []Entry
	// Credits counts transactions that were skipped because they add money.
	Credits int
}

// Parser implements OFX/QFX file parsing.
type Parser struct {
	// Payment is recorded on credit card debits. Bank debits use PaymentDebitCard.
	Payment model.PaymentMethod
}

// NewParser creates a new OFX parser.
func NewParser() *Parser {
	return &Parser{Payment: model.PaymentCreditCard}
}

// preprocessOFX fixes common formatting issues in OFX files.
func (p *Parser) preprocessOFX(content string) string {
	content = strings.TrimLeft(content, " \t\r\n")

	// Mixed-case SEVERITY values are rejected by the parser.
	content = severityRegex.ReplaceAllStringFunc(content, strings.ToUpper)

	// SGML files sometimes drop the closing bracket of an opening tag.
	return tagFixRegex.ReplaceAllString(content, "$1>")
}

func (p *Parser) parse(reader io.Reader) (*ofxgo.Response, error) {
	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read OFX file: %w", err)
	}
	resp, err := ofxgo.ParseResponse(strings.NewReader(p.preprocessOFX(string(content))))
	if err != nil {
		return nil, fmt.Errorf("failed to parse OFX file: %w", err)
	}
	return resp, nil
}

// ParseFile parses an OFX/QFX file and returns its debits as expense drafts.
func (p *Parser) ParseFile(ctx context.Context, reader io.Reader) (*Statement, error) {
	resp, err := p.parse(reader)
	if err != nil {
		return nil, err
	}

	stmt := &Statement{}
	var bankStmts, ccStmts int

	for _, msg := range resp.Bank {
		if bank, ok := msg.(*ofxgo.StatementResponse); ok {
			bankStmts++
			if bank.BankTranList == nil {
				continue
			}
			p.collect(ctx, stmt, bank.BankTranList.Transactions, string(bank.BankAcctFrom.AcctID),
				bank.CurDef.String(), model.PaymentDebitCard)
		}
	}

	for _, msg := range resp.CreditCard {
		if cc, ok := msg.(*ofxgo.CCStatementResponse); ok {
			ccStmts++
			if cc.BankTranList == nil {
				continue
			}
			p.collect(ctx, stmt, cc.BankTranList.Transactions, string(cc.CCAcctFrom.AcctID),
				cc.CurDef.String(), p.Payment)
		}
	}

	slog.Info("Parsed OFX file",
		"expenses", len(stmt.Entries),
		"credits_skipped", stmt.Credits,
		"bank_statements", bankStmts,
		"cc_statements", ccStmts)

	return stmt, nil
}

func (p *Parser) collect(ctx context.Context, stmt *Statement, txns []ofxgo.Transaction, account, currency string, payment model.PaymentMethod) {
	for _, ofxTx := range txns {
		entry, ok, err := p.convertTransaction(ofxTx, account, currency, payment)
		if err != nil {
			slog.WarnContext(ctx, "Skipping unreadable OFX transaction", "fitid", string(ofxTx.FiTID), "error", err)
			continue
		}
		if !ok {
			stmt.Credits++
			continue
		}
		stmt.Entries = append(stmt.Entries, entry)
	}
}

// convertTransaction converts an OFX debit to an entry. ok is false for credits.
func (p *Parser) convertTransaction(ofxTx ofxgo.Transaction, account, currency string, payment model.PaymentMethod) (Entry, bool, error) {
	amount, err := decimal.NewFromString(ofxTx.TrnAmt.Rat.FloatString(2))
	if err != nil {
		return Entry{}, false, fmt.Errorf("invalid amount: %w", err)
	}
	// OFX uses negative amounts for debits.
	if !amount.IsNegative() {
		return Entry{}, false, nil
	}

	if currency == "XXX" {
		currency = ""
	}
	pm := payment
	if ofxTx.CheckNum != "" {
		pm = model.PaymentOther
	}

	draft := model.ExpenseDraft{
		Date: model.DateOf(ofxTx.DtPosted.Time),
		Fields: model.Fields{
			Amount:        amount.Abs(),
			Currency:      currency,
			Merchant:      p.extractMerchantName(ofxTx),
			Notes:         strings.TrimSpace(string(ofxTx.Memo)),
			PaymentMethod: &pm,
		},
	}
	if ofxTx.CheckNum != "" && draft.Notes == "" {
		draft.Notes = "check " + string(ofxTx.CheckNum)
	}
	draft.Normalize()

	return Entry{FITID: string(ofxTx.FiTID), Account: account, Draft: draft}, true, nil
}

// extractMerchantName tries to get a clean merchant name from OFX data.
func (p *Parser) extractMerchantName(tx ofxgo.Transaction) string {
	// PAYEE is usually cleaner than NAME.
	if tx.Payee != nil && tx.Payee.Name != "" {
		return strings.TrimSpace(string(tx.Payee.Name))
	}

	name := string(tx.Name)
	if tx.Memo != "" && isGenericDescription(name) {
		name = string(tx.Memo)
	}
	name = strings.TrimSpace(name)

	prefixes := []string{
		"POS PURCHASE ",
		"PURCHASE AUTHORIZED ON ",
		"DEBIT CARD PURCHASE ",
		"ACH DEBIT ",
		"CHECK CARD ",
		"VISA PURCHASE ",
		"MC PURCHASE ",
		"DEBIT PURCHASE ",
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(strings.ToUpper(name), prefix) {
			name = name[len(prefix):]
			break
		}
	}

	// Strip a leading "MM/DD " posting date.
	if len(name) > 5 && name[2] == '/' && name[5] == ' ' {
		name = strings.TrimSpace(name[6:])
	}

	return name
}

// isGenericDescription checks if a transaction name is too generic.
func isGenericDescription(name string) bool {
	generic := []string{
		"DEBIT",
		"CREDIT",
		"PURCHASE",
		"PAYMENT",
		"POS TRANSACTION",
		"CARD PURCHASE",
	}

	upperName := strings.ToUpper(name)
	for _, g := range generic {
		if upperName == g {
			return true
		}
	}
	return false
}

// GetAccounts extracts unique account IDs from the OFX file.
func (p *Parser) GetAccounts(ctx context.Context, reader io.Reader) ([]string, error) {
	resp, err := p.parse(reader)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var accounts []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			accounts = append(accounts, id)
		}
	}

	for _, msg := range resp.Bank {
		if stmt, ok := msg.(*ofxgo.StatementResponse); ok {
			add(string(stmt.BankAcctFrom.AcctID))
		}
	}
	for _, msg := range resp.CreditCard {
		if stmt, ok := msg.(*ofxgo.CCStatementResponse); ok {
			add(string(stmt.CCAcctFrom.AcctID))
		}
	}

	slog.DebugContext(ctx, "Found OFX accounts", "count", len(accounts))
	return accounts, nil
}
