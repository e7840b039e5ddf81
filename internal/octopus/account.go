package octopus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"

	"github.com/tejusbharadwaj/octoingest/internal/models"
)

// productCodePattern extracts the product code embedded in a tariff code,
// e.g. AGILE-FLEX-22-11-25 from E-1R-AGILE-FLEX-22-11-25-C.
var productCodePattern = regexp.MustCompile(`[A-Z]+-[A-Z]+-\d{2}-\d{2}-\d{2}`)

type accountResponse struct {
	Number     string `json:"number"`
	Properties []struct {
		AddressLine1           string `json:"address_line_1"`
		ElectricityMeterPoints []struct {
			MPAN       string          `json:"mpan"`
			IsExport   bool            `json:"is_export"`
			Meters     []accountMeter  `json:"meters"`
			Agreements []accountTariff `json:"agreements"`
		} `json:"electricity_meter_points"`
		GasMeterPoints []struct {
			MPRN       string          `json:"mprn"`
			Meters     []accountMeter  `json:"meters"`
			Agreements []accountTariff `json:"agreements"`
		} `json:"gas_meter_points"`
	} `json:"properties"`
}

type accountMeter struct {
	SerialNumber string `json:"serial_number"`
}

type accountTariff struct {
	TariffCode string `json:"tariff_code"`
}

// ProductCode returns the product code embedded in tariffCode, or "" when
// there is none.
func ProductCode(tariffCode string) string {
	return productCodePattern.FindString(tariffCode)
}

// Account lists the consumption meters on an account. Export meter points
// are skipped. The tariff of each meter is taken from its latest agreement.
func (c *Client) Account(ctx context.Context, token, number string) ([]models.Meter, error) {
	target := fmt.Sprintf("%s/accounts/%s/", c.cfg.RESTURL, url.PathEscape(number))
	body, err := c.get(ctx, token, target, "account")
	if err != nil {
		return nil, err
	}

	var resp accountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: account: %v", ErrMalformedPage, err)
	}

	var meters []models.Meter
	for _, property := range resp.Properties {
		for _, point := range property.ElectricityMeterPoints {
			if point.IsExport {
				continue
			}
			tariff := latestTariff(point.Agreements)
			for _, m := range point.Meters {
				meters = append(meters, models.Meter{
					ID:          fmt.Sprintf("%s-%s", point.MPAN, m.SerialNumber),
					Kind:        models.MeterKindElectricity,
					MPXN:        point.MPAN,
					Serial:      m.SerialNumber,
					TariffCode:  tariff,
					ProductCode: ProductCode(tariff),
					Source:      models.SourceREST,
				})
			}
		}
		for _, point := range property.GasMeterPoints {
			tariff := latestTariff(point.Agreements)
			for _, m := range point.Meters {
				meters = append(meters, models.Meter{
					ID:          fmt.Sprintf("%s-%s", point.MPRN, m.SerialNumber),
					Kind:        models.MeterKindGas,
					MPXN:        point.MPRN,
					Serial:      m.SerialNumber,
					TariffCode:  tariff,
					ProductCode: ProductCode(tariff),
					Source:      models.SourceREST,
				})
			}
		}
	}

	return meters, nil
}

func latestTariff(agreements []accountTariff) string {
	if len(agreements) == 0 {
		return ""
	}
	return agreements[len(agreements)-1].TariffCode
}
