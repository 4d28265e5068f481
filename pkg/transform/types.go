package transform

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DataParam is the parameter carrying the working table, passed to the
// function without a keyword.
const DataParam = "no_kw_1"

// Request is one function call on the transformation service.
type Request struct {
	Func                    string            `json:"func"`
	Language                string            `json:"language,omitempty"`
	Package                 string            `json:"package,omitempty"`
	Version                 string            `json:"version,omitempty"`
	Params                  map[string]any    `json:"params"`
	SupplyFullEvalTraceback bool              `json:"supply_full_eval_traceback"`
	ExpectedDataTypes       map[string]string `json:"expected_data_types"`
	GitBaseURL              string            `json:"github_base_url,omitempty"`
	GitRepo                 string            `json:"github_repo,omitempty"`
	GitBranch               string            `json:"github_branch,omitempty"`
	RepoScriptsPath         string            `json:"repo_scripts_path,omitempty"`
	GitToken                string            `json:"github_token,omitempty"`
}

// Response is the decoded reply. FunctionReturn is nil when the function
// failed on the service side; Logs then explains why.
type Response struct {
	FunctionReturn []map[string]any `json:"-"`
	ReturnColumns  []string         `json:"return_cols"`
	Logs           string           `json:"logs"`
}

// CommitRequest identifies the script file whose latest commit is wanted.
type CommitRequest struct {
	Repo     string `json:"repo"`
	Branch   string `json:"branch"`
	BaseURL  string `json:"base_url"`
	FilePath string `json:"file_path"`
	Token    string `json:"-"`
}

// StatusError is returned for a reply with a status other than 200.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transformation service returned status %d", e.StatusCode)
}

type wireResponse struct {
	Result         *wireResponse   `json:"result"`
	FunctionReturn json.RawMessage `json:"function_return"`
	ReturnColumns  []string        `json:"return_cols"`
	Logs           any             `json:"logs"`
}

// decodeResponse accepts replies wrapped in a result object and a
// function_return that is either a records array or a JSON string of one.
func decodeResponse(raw []byte) (*Response, error) {
	var wire wireResponse
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&wire); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if wire.Result != nil {
		wire = *wire.Result
	}

	out := &Response{ReturnColumns: wire.ReturnColumns, Logs: logsString(wire.Logs)}

	payload := bytes.TrimSpace(wire.FunctionReturn)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return out, nil
	}
	if payload[0] == '"' {
		var inner string
		if err := json.Unmarshal(payload, &inner); err != nil {
			return nil, fmt.Errorf("failed to decode function_return: %w", err)
		}
		payload = []byte(inner)
	}

	records := []map[string]any{}
	dec = json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&records); err != nil {
		return nil, fmt.Errorf("function_return is not a records array: %w", err)
	}
	out.FunctionReturn = records
	return out, nil
}

func logsString(logs any) string {
	switch l := logs.(type) {
	case nil:
		return ""
	case string:
		return l
	default:
		b, _ := json.Marshal(l)
		return string(b)
	}
}
