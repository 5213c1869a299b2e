package cel

import (
	"net"
	"path/filepath"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/subsync/subsync-limiter/internal/domain/admission"
)

// NewRequestEnvironment creates the CEL environment that admission rule
// match expressions are compiled against. It declares:
//   - Variables: method, path, route, ip, identity, has_api_key, request_time
//   - Functions: glob(pattern, s), ip_in_cidr(ip, cidr)
func NewRequestEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),

		cel.Variable("method", cel.StringType),
		cel.Variable("path", cel.StringType),
		cel.Variable("route", cel.StringType),
		cel.Variable("ip", cel.StringType),
		cel.Variable("identity", cel.StringType),
		cel.Variable("has_api_key", cel.BoolType),
		cel.Variable("request_time", cel.TimestampType),

		// glob: shell-style pattern match, e.g. glob("/api/payments/*", path)
		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p, ok1 := pattern.Value().(string)
					n, ok2 := name.Value().(string)
					if !ok1 || !ok2 {
						return types.Bool(false)
					}
					matched, _ := filepath.Match(p, n)
					return types.Bool(matched)
				}),
			),
		),

		// ip_in_cidr: e.g. ip_in_cidr(ip, "10.0.0.0/8")
		cel.Function("ip_in_cidr",
			cel.Overload("ip_in_cidr_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(ipVal, cidrVal ref.Val) ref.Val {
					ipStr, ok1 := ipVal.Value().(string)
					cidrStr, ok2 := cidrVal.Value().(string)
					if !ok1 || !ok2 {
						return types.Bool(false)
					}
					ip := net.ParseIP(ipStr)
					if ip == nil {
						return types.Bool(false)
					}
					_, network, err := net.ParseCIDR(cidrStr)
					if err != nil {
						return types.Bool(false)
					}
					return types.Bool(network.Contains(ip))
				}),
			),
		),
	)
}

// BuildActivation maps a request onto the environment's variables.
func BuildActivation(req admission.Request) map[string]any {
	requestTime := req.RequestTime
	if requestTime.IsZero() {
		requestTime = time.Now()
	}
	return map[string]any{
		"method":       req.Method,
		"path":         req.Path,
		"route":        req.Route,
		"ip":           req.IP,
		"identity":     req.IdentityID,
		"has_api_key":  req.APIKey != "",
		"request_time": requestTime,
	}
}
