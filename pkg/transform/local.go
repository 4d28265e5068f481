package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/scripts"
	"github.com/Ramsey-B/fern/pkg/table"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Local answers function calls from an in-process script registry. It backs
// the items endpoint of the service and lets pipelines run without a remote
// transformation service.
type Local struct {
	scripts *scripts.Registry
	logger  ectologger.Logger
}

func NewLocal(registry *scripts.Registry, logger ectologger.Logger) *Local {
	return &Local{scripts: registry, logger: logger}
}

// Call runs the named function. A function error is reported the way the
// remote service reports it: no function_return and the error in the logs.
func (l *Local) Call(ctx context.Context, req Request) (*Response, error) {
	ctx, span := tracing.StartSpan(ctx, "transform.Local.Call")
	defer span.End()

	params := make(map[string]any, len(req.Params))
	var data string
	for k, v := range req.Params {
		if k != DataParam {
			params[k] = v
			continue
		}
		switch d := v.(type) {
		case string:
			data = d
		case nil:
		default:
			b, err := json.Marshal(d)
			if err != nil {
				return nil, fmt.Errorf("failed to encode table parameter: %w", err)
			}
			data = string(b)
		}
	}

	var records []map[string]any
	if strings.TrimSpace(data) != "" {
		dec := json.NewDecoder(strings.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&records); err != nil {
			return &Response{Logs: fmt.Sprintf("table parameter is not a records array: %v", err)}, nil
		}
	}

	log := l.logger.WithContext(ctx).WithFields(map[string]any{
		"package": req.Package,
		"func":    req.Func,
		"rows":    len(records),
	})
	out, err := l.scripts.Run(ctx, req.Package, req.Func, table.FromRecords(records), params)
	if err != nil {
		log.WithError(err).Warn("Script failed")
		return &Response{Logs: err.Error()}, nil
	}
	log.WithFields(map[string]any{"returned": out.Len()}).Debug("Script finished")
	return &Response{FunctionReturn: out.JSONRecords(), ReturnColumns: out.Columns()}, nil
}

// CommitID has nothing to resolve: local scripts are not versioned.
func (l *Local) CommitID(_ context.Context, _ CommitRequest) (string, error) {
	return "", nil
}
