package models

import "github.com/shopspring/decimal"

// Quantization granularity for persisted and compared USD amounts. Monthly
// amounts use 4 decimal places, hourly amounts 6. Applied at every boundary
// where a value is stored or compared so equality is well defined.
const (
	MonthlyUSDPlaces int32 = 4
	HourlyUSDPlaces  int32 = 6
)

// QuantizeMonthlyUSD rounds a monthly USD amount to 4 decimal places
func QuantizeMonthlyUSD(d decimal.Decimal) decimal.Decimal {
	return d.Round(MonthlyUSDPlaces)
}

// QuantizeHourlyUSD rounds an hourly USD amount to 6 decimal places
func QuantizeHourlyUSD(d decimal.Decimal) decimal.Decimal {
	return d.Round(HourlyUSDPlaces)
}
