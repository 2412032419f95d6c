package catalog

// Builtin returns the catalog of plugins the default deployment ships with.
// Deployments with a remote registry wrap it behind the same interface.
func Builtin() Catalog {
	plugins := map[string]map[string]ActionSpec{
		"google-mail": {
			"fetch_emails": {
				Parameters: map[string]ParamSpec{
					"query":       {Type: "string", Description: "search query, e.g. is:unread"},
					"max_results": {Type: "number", Description: "maximum messages to fetch"},
				},
				Output: OutputSpec{
					Type:         "array",
					WrapperField: "emails",
					ItemFields: map[string]string{
						"id":      "string",
						"subject": "string",
						"sender":  "string",
						"body":    "string",
						"date":    "string",
					},
				},
			},
			"send_email": {
				Parameters: map[string]ParamSpec{
					"to":      {Type: "string", Required: true},
					"subject": {Type: "string", Required: true},
					"body":    {Type: "string", Required: true},
				},
				Output: OutputSpec{Type: "object"},
			},
		},
		"google-sheets": {
			"append_rows": {
				Parameters: map[string]ParamSpec{
					"spreadsheet_id": {Type: "string", Required: true},
					"sheet_name":     {Type: "string", Required: true},
					"rows":           {Type: "array", Required: true},
				},
				Output: OutputSpec{Type: "object"},
			},
			"read_rows": {
				Parameters: map[string]ParamSpec{
					"spreadsheet_id": {Type: "string", Required: true},
					"sheet_name":     {Type: "string", Required: true},
				},
				Output: OutputSpec{
					Type:         "array",
					WrapperField: "rows",
				},
			},
		},
		"slack": {
			"post_message": {
				Parameters: map[string]ParamSpec{
					"channel": {Type: "string", Required: true},
					"text":    {Type: "string", Required: true},
				},
				Output: OutputSpec{Type: "object"},
			},
		},
		"notion": {
			"create_page": {
				Parameters: map[string]ParamSpec{
					"database_id": {Type: "string", Required: true},
					"properties":  {Type: "object", Required: true},
				},
				Output: OutputSpec{Type: "object"},
			},
		},
	}

	aliases := map[string]string{
		"gmail":        "google-mail",
		"google mail":  "google-mail",
		"email":        "google-mail",
		"sheets":       "google-sheets",
		"google sheet": "google-sheets",
		"spreadsheet":  "google-sheets",
	}

	return New(plugins, aliases)
}
