package team

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/schema"
)

// Leader actions.
const (
	ActionDelegate = "delegate"
	ActionComplete = "complete"
)

// Decision is the structured answer the leader gives each round.
type Decision struct {
	Action      string       `json:"action" enum:"delegate,complete" description:"delegate to members or complete the task"`
	Delegations []Delegation `json:"delegations,omitempty" description:"Member tasks for this round when delegating"`
	Result      string       `json:"result,omitempty" description:"Final answer when completing"`
}

// Delegation assigns a task to one member.
type Delegation struct {
	Member string `json:"member" description:"Name of the member to run"`
	Task   string `json:"task" description:"Self-contained task for the member"`
}

var decisionSchema = schema.MustCompile(schema.For[Decision]())

func decodeDecision(data any) (Decision, error) {
	var d Decision

	b, err := json.Marshal(data)
	if err != nil {
		return d, err
	}

	if err := json.Unmarshal(b, &d); err != nil {
		return d, err
	}

	return d, nil
}

// entry is one delegation outcome in the round transcript.
type entry struct {
	round  int
	member string
	task   string
	output string
	kind   core.ErrorKind
	err    string
}

func (e entry) failed() bool { return e.err != "" }

const leaderPrompt = `You lead the team %q and coordinate its members to solve the user's task.
%s
Members:
%s
Each round, either delegate one or more self-contained tasks to members, or
complete the task with the final result. Members only see the task you give
them. Complete as soon as the delegation results answer the task.`

func leaderInstructions(name, instructions string, members []memberInfo) string {
	var sb strings.Builder
	for _, m := range members {
		desc := m.description
		if desc == "" {
			desc = "no description"
		}
		fmt.Fprintf(&sb, "- %s: %s\n", m.name, desc)
	}

	extra := ""
	if s := strings.TrimSpace(instructions); s != "" {
		extra = "\n" + s + "\n"
	}

	return fmt.Sprintf(leaderPrompt, name, extra, strings.TrimRight(sb.String(), "\n"))
}

// leaderInput renders the task and the delegation transcript so far.
func leaderInput(task string, transcript []entry, round, maxRounds int) string {
	var sb strings.Builder

	sb.WriteString("Task:\n")
	sb.WriteString(task)

	if len(transcript) > 0 {
		sb.WriteString("\n\nDelegation results so far:\n")

		for _, e := range transcript {
			fmt.Fprintf(&sb, "[round %d] %s (task: %s): ", e.round, e.member, e.task)
			if e.failed() {
				fmt.Fprintf(&sb, "FAILED %s: %s\n", e.kind, e.err)
				continue
			}
			sb.WriteString(e.output)
			sb.WriteString("\n")
		}
	}

	fmt.Fprintf(&sb, "\nRound %d of %d.", round, maxRounds)

	return sb.String()
}
