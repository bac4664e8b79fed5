package filter

/*
Env is what push filter expressions are evaluated against. Filters live in the configuration, so
renaming a field breaks existing deployments.
*/

type Env struct {
	Type      string
	Title     string
	Body      string
	Recipient string
	Data      map[string]string
	Hour      int
	Weekday   int

	AsInt         func(string) int64
	AsFloat       func(string) float64
	AsStringSlice func(string) []string
}
