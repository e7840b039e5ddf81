package octopus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tejusbharadwaj/octoingest/internal/models"
)

// PageRequest selects one page of consumption for a meter. An empty Cursor
// asks for the first page starting at From.
type PageRequest struct {
	AccountNumber string
	Meter         models.Meter
	From          time.Time
	Cursor        string
}

// RatesRequest selects one page of standard unit rates for a tariff.
type RatesRequest struct {
	Kind        models.MeterKind
	ProductCode string
	TariffCode  string
	From        time.Time
	Cursor      string
}

// Reasons a row is dropped from an otherwise readable page.
const (
	DropMalformedReading = "malformed_reading"
	DropMalformedTariff  = "malformed_tariff"
)

// Dropped is a page row that could not be decoded and was left out.
type Dropped struct {
	Reason string
	Err    error
}

// Page is one provider page, whatever shape it arrived in. An empty
// NextCursor marks the final page. Rows that could not be decoded are
// listed in Dropped instead of failing the page.
type Page struct {
	Readings   []models.RawReading
	Tariffs    []models.TariffWindow
	Dropped    []Dropped
	NextCursor string
}

func (p *Page) drop(reason string, err error) {
	p.Dropped = append(p.Dropped, Dropped{Reason: reason, Err: err})
}

const measurementsQuery = `query meterReadings($accountNumber: String!, $first: Int!, $after: String, $startAt: DateTime, $utilityFilters: [UtilityFiltersInput!], $withTariffs: Boolean!) {
	account(accountNumber: $accountNumber) {
		properties {
			measurements(first: $first, after: $after, startAt: $startAt, utilityFilters: $utilityFilters) {
				edges {
					node {
						value
						unit
						... on IntervalMeasurementType {
							startAt
							endAt
						}
					}
				}
				pageInfo {
					hasNextPage
					endCursor
				}
			}
		}
		electricityAgreements(active: true) @include(if: $withTariffs) {
			...tariffWindows
		}
		gasAgreements(active: true) @include(if: $withTariffs) {
			...tariffWindows
		}
	}
}

fragment tariffWindows on AgreementInterface {
	validFrom
	validTo
	tariff {
		... on TariffType {
			standingCharge
		}
		... on StandardTariff {
			unitRate
		}
		... on HalfHourlyTariff {
			unitRates {
				validFrom
				validTo
				value
			}
		}
	}
}`

// pageEnvelope is the tagged union of known page shapes: a GraphQL body has
// data and/or errors, a REST body has results.
type pageEnvelope struct {
	Data    json.RawMessage `json:"data"`
	Errors  []graphQLError  `json:"errors"`
	Results json.RawMessage `json:"results"`
	Next    *string         `json:"next"`
}

type graphQLPage struct {
	Account *struct {
		Properties []struct {
			Measurements *struct {
				Edges []struct {
					Node *struct {
						Value   json.RawMessage `json:"value"`
						Unit    string          `json:"unit"`
						StartAt string          `json:"startAt"`
						EndAt   string          `json:"endAt"`
					} `json:"node"`
				} `json:"edges"`
				PageInfo struct {
					HasNextPage bool   `json:"hasNextPage"`
					EndCursor   string `json:"endCursor"`
				} `json:"pageInfo"`
			} `json:"measurements"`
		} `json:"properties"`
		ElectricityAgreements []agreement `json:"electricityAgreements"`
		GasAgreements         []agreement `json:"gasAgreements"`
	} `json:"account"`
}

type agreement struct {
	ValidFrom string  `json:"validFrom"`
	ValidTo   *string `json:"validTo"`
	Tariff    *struct {
		StandingCharge decimal.NullDecimal `json:"standingCharge"`
		UnitRate       decimal.NullDecimal `json:"unitRate"`
		UnitRates      []struct {
			ValidFrom string          `json:"validFrom"`
			ValidTo   *string         `json:"validTo"`
			Value     decimal.Decimal `json:"value"`
		} `json:"unitRates"`
	} `json:"tariff"`
}

// restResult carries the fields of both REST result variants; which ones
// are present decides the variant.
type restResult struct {
	Consumption   json.RawMessage     `json:"consumption"`
	IntervalStart string              `json:"interval_start"`
	IntervalEnd   string              `json:"interval_end"`
	ValueIncVAT   decimal.NullDecimal `json:"value_inc_vat"`
	ValidFrom     *string             `json:"valid_from"`
	ValidTo       *string             `json:"valid_to"`
}

// QueryPage fetches one page of consumption for req.Meter.
func (c *Client) QueryPage(ctx context.Context, token string, req PageRequest) (*Page, error) {
	if req.Meter.Source == models.SourceREST {
		return c.queryRESTPage(ctx, token, req)
	}
	return c.queryGraphQLPage(ctx, token, req)
}

func (c *Client) queryGraphQLPage(ctx context.Context, token string, req PageRequest) (*Page, error) {
	variables := map[string]any{
		"accountNumber":  req.AccountNumber,
		"first":          c.cfg.PageSize,
		"withTariffs":    req.Cursor == "",
		"utilityFilters": utilityFilters(req.Meter),
	}
	if req.Cursor != "" {
		variables["after"] = req.Cursor
	}
	if !req.From.IsZero() {
		variables["startAt"] = req.From.UTC().Format(time.RFC3339)
	}

	body, err := c.postGraphQL(ctx, token, graphQLRequest{
		Query:         measurementsQuery,
		Variables:     variables,
		OperationName: "meterReadings",
	})
	if err != nil {
		return nil, err
	}

	return decodePage("meterReadings", body, req)
}

func (c *Client) queryRESTPage(ctx context.Context, token string, req PageRequest) (*Page, error) {
	target := req.Cursor
	if target == "" {
		q := url.Values{}
		q.Set("page_size", strconv.Itoa(c.cfg.PageSize))
		q.Set("order_by", "period")
		if !req.From.IsZero() {
			q.Set("period_from", req.From.UTC().Format(time.RFC3339))
		}
		point := "electricity-meter-points"
		if req.Meter.Kind == models.MeterKindGas {
			point = "gas-meter-points"
		}
		target = fmt.Sprintf("%s/%s/%s/meters/%s/consumption/?%s",
			c.cfg.RESTURL, point, url.PathEscape(req.Meter.MPXN), url.PathEscape(req.Meter.Serial), q.Encode())
	} else if err := c.checkCursorURL(req.Cursor); err != nil {
		return nil, err
	}

	body, err := c.get(ctx, token, target, "consumption")
	if err != nil {
		return nil, err
	}

	return decodePage("consumption", body, req)
}

// UnitRates fetches one page of standard unit rates for a tariff.
func (c *Client) UnitRates(ctx context.Context, token string, req RatesRequest) (*Page, error) {
	target := req.Cursor
	if target == "" {
		q := url.Values{}
		q.Set("page_size", strconv.Itoa(c.cfg.PageSize))
		if !req.From.IsZero() {
			q.Set("period_from", req.From.UTC().Format(time.RFC3339))
		}
		tariffs := "electricity-tariffs"
		if req.Kind == models.MeterKindGas {
			tariffs = "gas-tariffs"
		}
		target = fmt.Sprintf("%s/products/%s/%s/%s/standard-unit-rates/?%s",
			c.cfg.RESTURL, url.PathEscape(req.ProductCode), tariffs, url.PathEscape(req.TariffCode), q.Encode())
	} else if err := c.checkCursorURL(req.Cursor); err != nil {
		return nil, err
	}

	body, err := c.get(ctx, token, target, "standard-unit-rates")
	if err != nil {
		return nil, err
	}

	return decodePage("standard-unit-rates", body, PageRequest{})
}

// checkCursorURL refuses REST continuation links that leave the configured
// API host, since the bearer token is attached to them.
func (c *Client) checkCursorURL(cursor string) error {
	base, err := url.Parse(c.cfg.RESTURL)
	if err != nil {
		return fmt.Errorf("invalid rest url: %w", err)
	}
	next, err := url.Parse(cursor)
	if err != nil || next.Scheme != base.Scheme || next.Host != base.Host {
		return fmt.Errorf("%w: cursor %q is not a %s link", ErrMalformedPage, cursor, base.Host)
	}
	return nil
}

func utilityFilters(m models.Meter) []map[string]any {
	filter := map[string]any{
		"readingFrequencyType": "RAW_INTERVAL",
		"readingDirection":     "CONSUMPTION",
		"deviceId":             m.DeviceID,
	}
	if m.Kind == models.MeterKindGas {
		return []map[string]any{{"gasFilters": filter}}
	}
	return []map[string]any{{"electricityFilters": filter}}
}

// decodePage resolves the page variant and converts it to a Page.
func decodePage(operation string, body []byte, req PageRequest) (*Page, error) {
	var env pageEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPage, operation, err)
	}

	switch {
	case len(env.Errors) > 0:
		return nil, classifyGraphQLErrors(operation, env.Errors)
	case !isNull(env.Data):
		return decodeGraphQLPage(operation, env.Data, req)
	case !isNull(env.Results):
		return decodeRESTPage(operation, env, req)
	default:
		return nil, fmt.Errorf("%w: %s: unrecognised page shape", ErrMalformedPage, operation)
	}
}

func decodeGraphQLPage(operation string, data json.RawMessage, req PageRequest) (*Page, error) {
	var gp graphQLPage
	if err := json.Unmarshal(data, &gp); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPage, operation, err)
	}
	if gp.Account == nil {
		return nil, fmt.Errorf("%w: %s: no account in response", ErrMalformedPage, operation)
	}

	page := &Page{}
	found := false
	for _, property := range gp.Account.Properties {
		m := property.Measurements
		if m == nil {
			continue
		}
		found = true
		for i, edge := range m.Edges {
			if edge.Node == nil {
				page.drop(DropMalformedReading, fmt.Errorf("%s: edge %d without node", operation, i))
				continue
			}
			page.Readings = append(page.Readings, models.RawReading{
				MeterID:       req.Meter.ID,
				AccountID:     req.AccountNumber,
				Value:         scalarString(edge.Node.Value),
				Unit:          edge.Node.Unit,
				IntervalStart: edge.Node.StartAt,
				IntervalEnd:   edge.Node.EndAt,
			})
		}
		if m.PageInfo.HasNextPage {
			if m.PageInfo.EndCursor == "" {
				return nil, fmt.Errorf("%w: %s: hasNextPage without endCursor", ErrMalformedPage, operation)
			}
			page.NextCursor = m.PageInfo.EndCursor
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s: no measurements connection", ErrMalformedPage, operation)
	}

	agreements := gp.Account.ElectricityAgreements
	if req.Meter.Kind == models.MeterKindGas {
		agreements = gp.Account.GasAgreements
	}
	for i, a := range agreements {
		windows, errs := agreementWindows(a)
		for _, err := range errs {
			page.drop(DropMalformedTariff, fmt.Errorf("%s: agreement %d: %w", operation, i, err))
		}
		page.Tariffs = append(page.Tariffs, windows...)
	}
	numberWindows(page.Tariffs)

	return page, nil
}

func decodeRESTPage(operation string, env pageEnvelope, req PageRequest) (*Page, error) {
	var results []restResult
	if err := json.Unmarshal(env.Results, &results); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPage, operation, err)
	}

	unit := "kWh"
	if req.Meter.Kind == models.MeterKindGas {
		unit = "m3"
	}

	page := &Page{}
	for i, r := range results {
		switch {
		case !isNull(r.Consumption):
			page.Readings = append(page.Readings, models.RawReading{
				MeterID:       req.Meter.ID,
				AccountID:     req.AccountNumber,
				Value:         scalarString(r.Consumption),
				Unit:          unit,
				IntervalStart: r.IntervalStart,
				IntervalEnd:   r.IntervalEnd,
			})
		case r.ValueIncVAT.Valid:
			w, err := window(derefString(r.ValidFrom), r.ValidTo, r.ValueIncVAT.Decimal, decimal.NullDecimal{})
			if err != nil {
				page.drop(DropMalformedTariff, fmt.Errorf("%s: result %d: %w", operation, i, err))
				continue
			}
			page.Tariffs = append(page.Tariffs, w)
		default:
			page.drop(DropMalformedReading, fmt.Errorf("%s: result %d matches no known variant", operation, i))
		}
	}
	numberWindows(page.Tariffs)

	if env.Next != nil {
		page.NextCursor = *env.Next
	}

	return page, nil
}

// agreementWindows returns the agreement's decodable windows and an error
// for each window that could not be decoded.
func agreementWindows(a agreement) ([]models.TariffWindow, []error) {
	if a.Tariff == nil {
		return nil, nil
	}

	var (
		windows []models.TariffWindow
		errs    []error
	)
	if a.Tariff.UnitRate.Valid {
		w, err := window(a.ValidFrom, a.ValidTo, a.Tariff.UnitRate.Decimal, a.Tariff.StandingCharge)
		if err != nil {
			errs = append(errs, err)
		} else {
			windows = append(windows, w)
		}
	}
	for _, r := range a.Tariff.UnitRates {
		w, err := window(r.ValidFrom, r.ValidTo, r.Value, a.Tariff.StandingCharge)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		windows = append(windows, w)
	}
	return windows, errs
}

func window(from string, to *string, rate decimal.Decimal, standing decimal.NullDecimal) (models.TariffWindow, error) {
	w := models.TariffWindow{UnitRate: rate, StandingCharge: standing}

	if from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return w, fmt.Errorf("tariff valid from: %w", err)
		}
		w.Start = t.UTC()
	}
	if to != nil && *to != "" {
		t, err := time.Parse(time.RFC3339, *to)
		if err != nil {
			return w, fmt.Errorf("tariff valid to: %w", err)
		}
		w.End = t.UTC()
	}
	if !w.Start.IsZero() && !w.End.IsZero() && !w.End.After(w.Start) {
		return w, errors.New("tariff window ends before it starts")
	}
	return w, nil
}

func numberWindows(windows []models.TariffWindow) {
	for i := range windows {
		windows[i].Declared = i
	}
}

// scalarString renders a JSON string or number as its text.
func scalarString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	if isNull(raw) {
		return ""
	}
	return string(raw)
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
