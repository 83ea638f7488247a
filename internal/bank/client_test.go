package bank

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"calorie-ai/config"
	"calorie-ai/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const statementXML = `<?xml version="1.0" encoding="UTF-8"?>
<result>
	<code>0</code>
	<str1>
		<name>ЧДММ 'Темур Ойл'</name>
		<docnum>1</docnum>
		<date>06.04.21</date>
		<payer>ЧДММ 'Темур Ойл'</payer>
		<debet>15</debet>
		<credit>0</credit>
		<naznach>Конвертация</naznach>
	</str1>
	<str2>
		<name>Иван</name>
		<docnum>77</docnum>
		<date>07.04.21</date>
		<payer>Иван</payer>
		<debet>0</debet>
		<credit>30,00</credit>
		<naznach>Premium 555000111</naznach>
	</str2>
</result>`

func TestParseStatementCollectsNumberedRows(t *testing.T) {
	st, err := ParseStatement([]byte(statementXML))
	require.NoError(t, err)

	assert.Equal(t, "0", st.Code)
	require.Len(t, st.Transactions, 2)
	assert.Equal(t, "77", st.Transactions[1].DocNum)
	assert.Equal(t, 30.0, st.Transactions[1].CreditAmount())
	assert.Equal(t, 15.0, st.Transactions[0].DebetAmount())

	posted, err := st.Transactions[0].PostedOn(time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2021, time.April, 6, 0, 0, 0, 0, time.UTC), posted)
}

func TestParseStatementRepeatedRows(t *testing.T) {
	body := `<result><str><docnum>1</docnum></str><str><docnum>2</docnum></str></result>`
	st, err := ParseStatement([]byte(body))
	require.NoError(t, err)
	require.Len(t, st.Transactions, 2)
	assert.Equal(t, "2", st.Transactions[1].DocNum)
}

func TestParseStatementWindows1251(t *testing.T) {
	// "Оплата 42" in windows-1251.
	body := append([]byte(`<?xml version="1.0" encoding="windows-1251"?><result><str1><naznach>`),
		0xCE, 0xEF, 0xEB, 0xE0, 0xF2, 0xE0, ' ', '4', '2')
	body = append(body, []byte(`</naznach></str1></result>`)...)

	st, err := ParseStatement(body)
	require.NoError(t, err)
	require.Len(t, st.Transactions, 1)
	assert.Equal(t, "Оплата 42", st.Transactions[0].Purpose)
}

func TestMatchTolerance(t *testing.T) {
	tests := []struct {
		name   string
		credit string
		want   bool
	}{
		{"exact", "30", true},
		{"within tolerance", "30.05", true},
		{"at tolerance", "30.1", true},
		{"below by tolerance", "29.9", true},
		{"outside tolerance", "30.2", false},
		{"far off", "3", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			txs := []Transaction{{DocNum: "9", Credit: tt.credit, Purpose: "id 42"}}
			got := Match(txs, "42", 30, ColumnEither, 0.1)
			assert.Equal(t, tt.want, got != nil)
		})
	}
}

func TestMatchRespectsColumnAndKey(t *testing.T) {
	txs := []Transaction{
		{DocNum: "1", Debet: "30", Credit: "0", Purpose: "оплата 42"},
		{DocNum: "2", Debet: "0", Credit: "30", Purpose: "оплата 43"},
	}

	assert.Equal(t, "1", Match(txs, "42", 30, ColumnDebet, 0.1).DocNum)
	assert.Nil(t, Match(txs, "42", 30, ColumnCredit, 0.1))
	assert.Equal(t, "2", Match(txs, "43", 30, ColumnCredit, 0.1).DocNum)
	assert.Nil(t, Match(txs, "44", 30, ColumnEither, 0.1))
	assert.Nil(t, Match(txs, "", 30, ColumnEither, 0.1))
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(config.BankConfig{
		URL:          srv.URL + "/onecapi",
		Account:      "2020",
		APIKey:       "secret",
		LookbackDays: 7,
		Tolerance:    0.1,
		Timeout:      time.Second,
	}, time.UTC, logger.NewNop())
	c.now = func() time.Time { return time.Date(2021, time.April, 8, 15, 0, 0, 0, time.UTC) }
	return c
}

func TestFindPaymentQueriesWindow(t *testing.T) {
	var query url.Values
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		_, _ = w.Write([]byte(statementXML))
	})

	tx, err := c.FindPayment(context.Background(), "555000111", 30)
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, "77", tx.DocNum)

	assert.Equal(t, "2020", query.Get("account"))
	assert.Equal(t, "210401", query.Get("date_start"))
	assert.Equal(t, "210408", query.Get("date_end"))
	assert.Equal(t, "secret", query.Get("sign"))
}

func TestFindPaymentNoMatch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(statementXML))
	})

	tx, err := c.FindPayment(context.Background(), "999", 30)
	require.NoError(t, err)
	assert.Nil(t, tx)
}

func TestFindPaymentErrorCodes(t *testing.T) {
	for code, want := range map[string]error{"100": ErrAccountNotFound, "102": ErrInvalidSign} {
		c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`<result><code>` + code + `</code></result>`))
		})
		_, err := c.FindPayment(context.Background(), "1", 30)
		assert.ErrorIs(t, err, want)
	}
}

func TestFindPaymentUpstreamFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.FindPayment(context.Background(), "1", 30)
	assert.Error(t, err)
}
