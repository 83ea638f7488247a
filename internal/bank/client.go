package bank

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"calorie-ai/config"
	"calorie-ai/pkg/logger"
)

var (
	ErrAccountNotFound = errors.New("bank account not found")
	ErrInvalidSign     = errors.New("bank api key rejected")
)

const (
	codeAccountNotFound = "100"
	codeInvalidSign     = "102"

	queryDateLayout = "060102"
	maxBodyBytes    = 4 << 20
)

// AmountColumn names the statement column that carries incoming funds.
type AmountColumn string

const (
	ColumnDebet  AmountColumn = "debet"
	ColumnCredit AmountColumn = "credit"
	ColumnEither AmountColumn = "either"
)

// amountEpsilon absorbs binary float error so a difference of exactly the
// tolerance still matches.
const amountEpsilon = 1e-9

// Client queries the merchant statement endpoint.
type Client struct {
	http      *http.Client
	baseURL   string
	account   string
	apiKey    string
	lookback  int
	column    AmountColumn
	tolerance float64
	loc       *time.Location
	now       func() time.Time
	log       *logger.Logger
}

func NewClient(cfg config.BankConfig, loc *time.Location, log *logger.Logger) *Client {
	if loc == nil {
		loc = time.Local
	}
	column := AmountColumn(strings.ToLower(cfg.AmountColumn))
	if column == "" {
		column = ColumnEither
	}
	return &Client{
		http:      &http.Client{Timeout: cfg.Timeout},
		baseURL:   cfg.URL,
		account:   cfg.Account,
		apiKey:    cfg.APIKey,
		lookback:  cfg.LookbackDays,
		column:    column,
		tolerance: cfg.Tolerance,
		loc:       loc,
		now:       time.Now,
		log:       log.Named("bank"),
	}
}

// Statement fetches every transaction posted between from and to inclusive.
func (c *Client) Statement(ctx context.Context, from, to time.Time) (*Statement, error) {
	q := url.Values{}
	q.Set("account", c.account)
	q.Set("date_start", from.In(c.loc).Format(queryDateLayout))
	q.Set("date_end", to.In(c.loc).Format(queryDateLayout))
	q.Set("sign", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build statement request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("statement request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read statement: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("statement request: unexpected status %d", resp.StatusCode)
	}

	st, err := ParseStatement(body)
	if err != nil {
		return nil, fmt.Errorf("parse statement: %w", err)
	}

	switch st.Code {
	case codeAccountNotFound:
		return nil, ErrAccountNotFound
	case codeInvalidSign:
		return nil, ErrInvalidSign
	}
	return st, nil
}

// FindPayment looks for an incoming transfer of amount whose purpose carries
// matchKey within the lookback window ending today. It returns nil without
// error when nothing matches.
func (c *Client) FindPayment(ctx context.Context, matchKey string, amount float64) (*Transaction, error) {
	end := c.now().In(c.loc)
	start := end.AddDate(0, 0, -c.lookback)

	c.log.Infow("checking statement", "match_key", matchKey,
		"date_start", start.Format(queryDateLayout), "date_end", end.Format(queryDateLayout))

	st, err := c.Statement(ctx, start, end)
	if err != nil {
		return nil, err
	}

	c.log.Debugw("statement received", "transactions", len(st.Transactions))
	return Match(st.Transactions, matchKey, amount, c.column, c.tolerance), nil
}

// Match returns the first transaction whose purpose contains key and whose
// amount in the given column equals amount within tolerance.
func Match(txs []Transaction, key string, amount float64, column AmountColumn, tolerance float64) *Transaction {
	if key == "" {
		return nil
	}
	for i := range txs {
		tx := &txs[i]
		if !strings.Contains(tx.Purpose, key) {
			continue
		}
		if amountMatches(*tx, amount, column, tolerance) {
			return tx
		}
	}
	return nil
}

func amountMatches(tx Transaction, amount float64, column AmountColumn, tolerance float64) bool {
	near := func(v float64) bool {
		return math.Abs(v-amount) <= tolerance+amountEpsilon
	}
	switch column {
	case ColumnDebet:
		return near(tx.DebetAmount())
	case ColumnCredit:
		return near(tx.CreditAmount())
	default:
		return near(tx.DebetAmount()) || near(tx.CreditAmount())
	}
}
