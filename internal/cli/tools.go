package cli

import (
	"time"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/tool"
)

type clockArgs struct {
	Timezone string `json:"timezone,omitempty" description:"IANA time zone, UTC when empty"`
}

type rememberArgs struct {
	Key   string `json:"key" description:"Session state key"`
	Value string `json:"value" description:"Value to store"`
}

// builtinTools are offered to the agent started by the run command.
// remember writes session state and therefore asks for confirmation.
func builtinTools() []tool.Tool {
	clock := tool.MustTool(tool.NewFunctionTool("current_time", "Return the current time",
		func(_ *core.ToolContext, args clockArgs) (string, error) {
			loc := time.UTC
			if args.Timezone != "" {
				l, err := time.LoadLocation(args.Timezone)
				if err != nil {
					return "", tool.NewToolError("current_time", err.Error(), tool.CodeValidation)
				}
				loc = l
			}
			return time.Now().In(loc).Format(time.RFC3339), nil
		}))

	remember := tool.MustTool(tool.NewFunctionTool("remember", "Store a value in the session state",
		func(tc *core.ToolContext, args rememberArgs) (map[string]string, error) {
			tc.SetState(args.Key, args.Value)
			return map[string]string{"stored": args.Key}, nil
		},
		func(o *tool.FunctionOptions) { o.RequireConfirmation = true }))

	return []tool.Tool{clock, remember}
}
