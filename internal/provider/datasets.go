package provider

import "strings"

// Dataset identifies a pull a provider can run, conventionally
// "<source>.<table>".
type Dataset string

// Built-in datasets.
const (
	DatasetOECDT720          Dataset = "oecd.t720"
	DatasetBISDebtSecurities Dataset = "bis.debt_securities"
	DatasetIMFPIPBilateral   Dataset = "imf.pip_bilateral"
	DatasetIMFPIPCurrency    Dataset = "imf.pip_currency"
	DatasetWDI               Dataset = "worldbank.wdi"
)

// BuiltinDatasets returns the datasets shipped with macropanel, in display
// order.
func BuiltinDatasets() []Dataset {
	return []Dataset{
		DatasetOECDT720,
		DatasetBISDebtSecurities,
		DatasetIMFPIPBilateral,
		DatasetIMFPIPCurrency,
		DatasetWDI,
	}
}

// Source returns the part of the identifier before the first dot.
func (d Dataset) Source() string {
	s, _, _ := strings.Cut(string(d), ".")
	return s
}
