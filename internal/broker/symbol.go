package broker

import (
	"fmt"
	"strconv"
	"strings"
)

// Security types understood by ParseDescription.
const (
	SecStock    = "STK"
	SecIndex    = "IND"
	SecFuture   = "FUT"
	SecOption   = "OPT"
	SecCurrency = "CASH"
)

var secTypeWords = map[string]string{
	"stock":    SecStock,
	"stk":      SecStock,
	"index":    SecIndex,
	"ind":      SecIndex,
	"future":   SecFuture,
	"futures":  SecFuture,
	"fut":      SecFuture,
	"option":   SecOption,
	"options":  SecOption,
	"opt":      SecOption,
	"currency": SecCurrency,
	"cash":     SecCurrency,
	"forex":    SecCurrency,
}

// ParseDescription parses a short symbol description into a contract
// summary. Accepted forms:
//
//	AAPL
//	AAPL stock
//	SPX index
//	ES 202612 future on GLOBEX
//	AAPL 20261218 190 call option
//	EUR currency in USD
//
// Unspecified fields default to a SMART-routed USD stock.
func ParseDescription(description string) (Contract, error) {
	fields := strings.Fields(description)
	if len(fields) == 0 {
		return Contract{}, fmt.Errorf("broker: empty symbol description")
	}

	c := Contract{
		Symbol:   strings.ToUpper(fields[0]),
		SecType:  SecStock,
		Exchange: "SMART",
		Currency: "USD",
	}

	rest := fields[1:]
	for i := 0; i < len(rest); i++ {
		word := strings.ToLower(rest[i])
		switch {
		case secTypeWords[word] != "":
			c.SecType = secTypeWords[word]
		case word == "on" && i+1 < len(rest):
			i++
			c.Exchange = strings.ToUpper(rest[i])
		case word == "in" && i+1 < len(rest):
			i++
			c.Currency = strings.ToUpper(rest[i])
		case word == "call" || word == "put":
			c.Right = strings.ToUpper(word[:1])
		case isDigits(word) && (len(word) == 6 || len(word) == 8):
			c.Expiry = word
		default:
			strike, err := strconv.ParseFloat(word, 64)
			if err != nil {
				return Contract{}, fmt.Errorf("broker: unrecognised token %q in %q", rest[i], description)
			}
			c.Strike = strike
		}
	}

	if c.SecType == SecIndex && c.Exchange == "SMART" {
		c.Exchange = "CBOE"
	}
	if c.SecType == SecCurrency && c.Exchange == "SMART" {
		c.Exchange = "IDEALPRO"
	}
	return c, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
