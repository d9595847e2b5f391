package eastmoney

import "github.com/renderinc/research-reports/internal/report"

// DetailMode selects how a record's detail page URL is built.
type DetailMode int

const (
	// DetailByInfoCode links straight to report/info/<infoCode>.html.
	DetailByInfoCode DetailMode = iota
	// DetailStrategyPage wraps the record's encodeUrl in the strategy viewer.
	DetailStrategyPage
	// DetailMacroPage wraps the record's encodeUrl in the macro viewer.
	DetailMacroPage
)

// CategoryConfig is the static upstream wiring for one category.
type CategoryConfig struct {
	Endpoint   string
	QType      int
	Referer    string
	DetailMode DetailMode
	// Wildcards adds the filter parameters report/list insists on.
	Wildcards bool
}

var categoryConfigs = map[report.Category]CategoryConfig{
	report.Stock: {
		Endpoint:   "report/list",
		QType:      0,
		Referer:    "https://data.eastmoney.com/report/stock.jshtml",
		DetailMode: DetailByInfoCode,
		Wildcards:  true,
	},
	report.Industry: {
		Endpoint:   "report/list",
		QType:      1,
		Referer:    "https://data.eastmoney.com/report/industry.jshtml",
		DetailMode: DetailByInfoCode,
		Wildcards:  true,
	},
	report.Strategy: {
		Endpoint:   "report/jg",
		QType:      2,
		Referer:    "https://data.eastmoney.com/report/strategy.jshtml",
		DetailMode: DetailStrategyPage,
	},
	report.Macro: {
		Endpoint:   "report/jg",
		QType:      3,
		Referer:    "https://data.eastmoney.com/report/macro.jshtml",
		DetailMode: DetailMacroPage,
	},
}

// ConfigFor returns the upstream wiring for c.
func ConfigFor(c report.Category) (CategoryConfig, bool) {
	cfg, ok := categoryConfigs[c]
	return cfg, ok
}
