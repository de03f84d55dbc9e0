// Package intent maps free-text requests to tool actions.
package intent

import (
	"regexp"
	"strings"

	"github.com/opentalon/toolbroker/internal/toolclient"
)

type Action string

const (
	ActionCreateTask    Action = "create_task"
	ActionListTasks     Action = "list_tasks"
	ActionRecommendNext Action = "recommend_next"
	ActionGitStatus     Action = "git_status"
)

const DefaultPriority = "medium"

// Intent is the routing decision for one utterance. Tools lists the servers
// the action needs.
type Intent struct {
	Action Action            `json:"action"`
	Params map[string]string `json:"params"`
	Tools  []string          `json:"tools"`
}

type rule struct {
	name    string
	match   func(normalized string) bool
	extract func(original string) Intent
}

// Router evaluates an ordered rule list; the first match wins.
type Router struct {
	rules    []rule
	fallback func(string) Intent
}

var (
	createTaskRe  = regexp.MustCompile(`create\s+(?:a\s+)?(?:new\s+)?task|(?:создай|создать|добавь|добавить)\s+(?:новую\s+)?задач`)
	createPrefix  = regexp.MustCompile(`(?i)^.*?(?:create\s+(?:a\s+)?(?:new\s+)?task|(?:создай|создать|добавь|добавить)\s+(?:новую\s+)?задач[уа]?)\s*[:\-]?\s*`)
	titleEnd      = regexp.MustCompile(`(?i),|\bpriority\b|приоритет`)
	priorityToken = regexp.MustCompile(`(?i)\b(high|medium|low)\b`)

	showVerbRe     = regexp.MustCompile(`\b(?:show|list)\b|покажи|выведи`)
	priorityWordRe = regexp.MustCompile(`priority|приоритет|важн`)
	recommendRe    = regexp.MustCompile(`what\s+should\s+i\s+do|что\s+(?:мне\s+)?делать`)
)

// NewRouter returns the router with the built-in rule set.
func NewRouter() *Router {
	return &Router{
		rules: []rule{
			{
				name:    "create_task",
				match:   createTaskRe.MatchString,
				extract: extractCreateTask,
			},
			{
				name: "list_priority_tasks",
				match: func(s string) bool {
					return showVerbRe.MatchString(s) && priorityWordRe.MatchString(s)
				},
				extract: func(string) Intent {
					return Intent{
						Action: ActionListTasks,
						Params: map[string]string{"priority": "high"},
						Tools:  []string{toolclient.TaskServer},
					}
				},
			},
			{
				name:  "recommend_next",
				match: recommendRe.MatchString,
				extract: func(string) Intent {
					return Intent{
						Action: ActionRecommendNext,
						Params: map[string]string{},
						Tools:  []string{toolclient.TaskServer, toolclient.GitServer},
					}
				},
			},
			{
				name:  "git_status",
				match: func(s string) bool { return s == "git status" },
				extract: func(string) Intent {
					return Intent{
						Action: ActionGitStatus,
						Params: map[string]string{},
						Tools:  []string{toolclient.GitServer},
					}
				},
			},
		},
		fallback: func(string) Intent {
			return Intent{
				Action: ActionListTasks,
				Params: map[string]string{},
				Tools:  []string{toolclient.TaskServer},
			}
		},
	}
}

// Parse never fails: utterances no rule recognizes get the fallback intent.
func (r *Router) Parse(utterance string) Intent {
	normalized := strings.ToLower(strings.TrimSpace(utterance))
	for _, rl := range r.rules {
		if rl.match(normalized) {
			return rl.extract(utterance)
		}
	}
	return r.fallback(utterance)
}

// Rules returns the rule names in evaluation order.
func (r *Router) Rules() []string {
	names := make([]string, len(r.rules))
	for i, rl := range r.rules {
		names[i] = rl.name
	}
	return names
}

var defaultRouter = NewRouter()

// Parse routes utterance with the built-in rule set.
func Parse(utterance string) Intent {
	return defaultRouter.Parse(utterance)
}

func extractCreateTask(original string) Intent {
	rest := strings.TrimSpace(original)
	if loc := createPrefix.FindStringIndex(rest); loc != nil {
		rest = rest[loc[1]:]
	}

	title, tail := rest, ""
	if loc := titleEnd.FindStringIndex(rest); loc != nil {
		title, tail = rest[:loc[0]], rest[loc[0]:]
	}

	priority := DefaultPriority
	if m := priorityToken.FindStringSubmatch(tail); m != nil {
		priority = strings.ToLower(m[1])
	}

	return Intent{
		Action: ActionCreateTask,
		Params: map[string]string{
			"title":    strings.TrimSpace(strings.Trim(strings.TrimSpace(title), `:-"'`)),
			"priority": priority,
		},
		Tools: []string{toolclient.TaskServer},
	}
}

var actionTools = map[Action][]string{
	ActionCreateTask:    {toolclient.TaskServer},
	ActionListTasks:     {toolclient.TaskServer},
	ActionRecommendNext: {toolclient.TaskServer, toolclient.GitServer},
	ActionGitStatus:     {toolclient.GitServer},
}

// ForAction builds the intent for a known action with caller-supplied
// params, as when a preparer script has already decided the action.
func ForAction(action Action, params map[string]string) (Intent, bool) {
	tools, ok := actionTools[action]
	if !ok {
		return Intent{}, false
	}
	p := make(map[string]string, len(params)+1)
	for k, v := range params {
		p[k] = v
	}
	if action == ActionCreateTask && p["priority"] == "" {
		p["priority"] = DefaultPriority
	}
	return Intent{Action: action, Params: p, Tools: append([]string(nil), tools...)}, true
}
