package sqlgen

// Dialect selects the JSON function family used in generated SQL. The
// capability probe picks JSONB when the engine provides the binary JSON
// functions; everything SQL-generating takes the chosen dialect from the
// connection and never re-probes.
type Dialect struct {
	prefix string
}

// JSON is the plain-text JSON function family (json_extract, json_set, ...).
var JSON = Dialect{prefix: "json"}

// JSONB is the binary JSON function family (jsonb_extract, jsonb_set, ...).
var JSONB = Dialect{prefix: "jsonb"}

// Fn returns the dialect-prefixed name of a JSON function
// (e.g. Fn("extract") -> "json_extract" or "jsonb_extract").
func (d Dialect) Fn(name string) string {
	if d.prefix == "" {
		return "json_" + name
	}
	return d.prefix + "_" + name
}

// Name returns the dialect's function prefix ("json" or "jsonb").
func (d Dialect) Name() string {
	if d.prefix == "" {
		return "json"
	}
	return d.prefix
}

// Binary reports whether the binary function family is in use.
func (d Dialect) Binary() bool {
	return d.prefix == "jsonb"
}
