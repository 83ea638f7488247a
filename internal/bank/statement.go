package bank

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html/charset"
)

const dateLayout = "02.01.06"

// Transaction is one row of a bank statement.
type Transaction struct {
	Name    string `xml:"name"`
	DocNum  string `xml:"docnum"`
	Date    string `xml:"date"`
	Payer   string `xml:"payer"`
	Debet   string `xml:"debet"`
	Credit  string `xml:"credit"`
	Purpose string `xml:"naznach"`
}

// PostedOn parses the DD.MM.YY statement date.
func (t Transaction) PostedOn(loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(dateLayout, strings.TrimSpace(t.Date), loc)
}

func (t Transaction) DebetAmount() float64  { return parseAmount(t.Debet) }
func (t Transaction) CreditAmount() float64 { return parseAmount(t.Credit) }

func parseAmount(s string) float64 {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// Statement is the <result> document. Rows arrive as <str>, <str1>, <str2>
// and so on, so they are collected by name prefix.
type Statement struct {
	Code         string
	Transactions []Transaction
}

func (s *Statement) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for {
		tok, err := d.Token()
		if err != nil {
			return fmt.Errorf("read statement: %w", err)
		}
		switch el := tok.(type) {
		case xml.StartElement:
			switch {
			case el.Name.Local == "code":
				var code string
				if err := d.DecodeElement(&code, &el); err != nil {
					return fmt.Errorf("read statement code: %w", err)
				}
				s.Code = strings.TrimSpace(code)
			case strings.HasPrefix(el.Name.Local, "str"):
				var tx Transaction
				if err := d.DecodeElement(&tx, &el); err != nil {
					return fmt.Errorf("read statement row %s: %w", el.Name.Local, err)
				}
				s.Transactions = append(s.Transactions, tx)
			default:
				if err := d.Skip(); err != nil {
					return err
				}
			}
		case xml.EndElement:
			if el.Name == start.Name {
				return nil
			}
		}
	}
}

// ParseStatement decodes a statement reply body. Legacy encodings such as
// windows-1251 declared in the XML prolog are transcoded.
func ParseStatement(body []byte) (*Statement, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.CharsetReader = charset.NewReaderLabel

	var st Statement
	if err := dec.Decode(&st); err != nil {
		return nil, err
	}
	return &st, nil
}
