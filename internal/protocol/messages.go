// Package protocol implements the checker task protocol shared with the
// scoring engine: task and result messages, checker service info, task chain
// ids and flag extraction.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrProtocol marks malformed wire messages and unknown methods.
var ErrProtocol = errors.New("protocol error")

const (
	// TaskTimeoutMillis is the per-call timeout advertised to checkers.
	TaskTimeoutMillis = 10_000
	// RoundLengthMillis is the engine's fixed roundLength field. It is not
	// derived from the configured round length.
	RoundLengthMillis = 60_000
	// IgnoreFlagHash tells simulation checkers not to verify exploited flags.
	IgnoreFlagHash = "ignore_flag_hash"
)

// Method is a checker method, rendered on the wire by name.
type Method string

const (
	MethodPutFlag  Method = "putflag"
	MethodGetFlag  Method = "getflag"
	MethodPutNoise Method = "putnoise"
	MethodGetNoise Method = "getnoise"
	MethodHavoc    Method = "havoc"
	MethodExploit  Method = "exploit"
)

// ParseMethod validates a method name.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToLower(s))
	if !m.Valid() {
		return "", fmt.Errorf("%w: unknown checker method %q", ErrProtocol, s)
	}
	return m, nil
}

// Valid reports whether m is one of the six checker methods.
func (m Method) Valid() bool {
	switch m {
	case MethodPutFlag, MethodGetFlag, MethodPutNoise, MethodGetNoise, MethodHavoc, MethodExploit:
		return true
	}
	return false
}

// ChainClass is the task chain id class the method belongs to.
func (m Method) ChainClass() string {
	switch m {
	case MethodPutFlag, MethodGetFlag:
		return "flag"
	case MethodPutNoise, MethodGetNoise:
		return "noise"
	case MethodExploit:
		return "exploit"
	default:
		return "havoc"
	}
}

func (m Method) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("%w: unknown checker method %q", ErrProtocol, string(m))
	}
	return []byte(m), nil
}

func (m *Method) UnmarshalText(b []byte) error {
	parsed, err := ParseMethod(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// TaskMessage is the request body POSTed to a checker.
type TaskMessage struct {
	TaskID         int     `json:"taskId"`
	Method         Method  `json:"method"`
	Address        string  `json:"address"`
	TeamID         int     `json:"teamId"`
	TeamName       string  `json:"teamName"`
	CurrentRoundID int     `json:"currentRoundId"`
	RelatedRoundID int     `json:"relatedRoundId"`
	Flag           *string `json:"flag"`
	VariantID      int     `json:"variantId"`
	Timeout        int     `json:"timeout"`
	RoundLength    int     `json:"roundLength"`
	TaskChainID    string  `json:"taskChainId"`
	FlagRegex      *string `json:"flagRegex"`
	FlagHash       *string `json:"flagHash"`
	AttackInfo     *string `json:"attackInfo"`
}

// Validate enforces the fields the engine requires on every task.
func (t *TaskMessage) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: task message is nil", ErrProtocol)
	}
	if !t.Method.Valid() {
		return fmt.Errorf("%w: unknown checker method %q", ErrProtocol, string(t.Method))
	}
	if t.Address == "" {
		return fmt.Errorf("%w: task %s has no address", ErrProtocol, t.TaskChainID)
	}
	if t.TaskChainID == "" {
		return fmt.Errorf("%w: task has no taskChainId", ErrProtocol)
	}
	if t.Timeout <= 0 || t.RoundLength <= 0 {
		return fmt.Errorf("%w: task %s has non-positive timing fields", ErrProtocol, t.TaskChainID)
	}
	return nil
}

// Serialize renders a task as camelCase JSON after validating it.
func Serialize(t *TaskMessage) ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("%w: encode task: %v", ErrProtocol, err)
	}
	return b, nil
}

// Result is a checker task outcome.
type Result string

const (
	ResultOK            Result = "OK"
	ResultMumble        Result = "MUMBLE"
	ResultOffline       Result = "OFFLINE"
	ResultInternalError Result = "INTERNAL_ERROR"
)

// Valid reports whether r is a known outcome.
func (r Result) Valid() bool {
	switch r {
	case ResultOK, ResultMumble, ResultOffline, ResultInternalError:
		return true
	}
	return false
}

// ResultMessage is a checker's reply to a task.
type ResultMessage struct {
	Result     Result  `json:"result"`
	Message    *string `json:"message"`
	AttackInfo *string `json:"attackInfo"`
	Flag       *string `json:"flag"`
}

// DeserializeResult parses a checker reply. The result field is required.
func DeserializeResult(b []byte) (*ResultMessage, error) {
	fields, err := decodeFields(b)
	if err != nil {
		return nil, err
	}
	var msg ResultMessage
	if err := requireString(fields, "result", (*string)(&msg.Result)); err != nil {
		return nil, err
	}
	msg.Result = Result(strings.ToUpper(string(msg.Result)))
	if !msg.Result.Valid() {
		return nil, fmt.Errorf("%w: unknown checker result %q", ErrProtocol, msg.Result)
	}
	for key, dst := range map[string]**string{
		"message":     &msg.Message,
		"attack_info": &msg.AttackInfo,
		"flag":        &msg.Flag,
	} {
		if err := optionalString(fields, key, dst); err != nil {
			return nil, err
		}
	}
	return &msg, nil
}

// CheckerInfo describes a service as reported by its checker.
type CheckerInfo struct {
	ServiceName     string
	FlagVariants    int
	NoiseVariants   int
	HavocVariants   int
	ExploitVariants int
}

// DeserializeInfo parses a checker's service info. Keys may be camelCase or
// snake_case; service name and exploit variant count are required.
func DeserializeInfo(b []byte) (*CheckerInfo, error) {
	fields, err := decodeFields(b)
	if err != nil {
		return nil, err
	}
	var info CheckerInfo
	if err := requireString(fields, "service_name", &info.ServiceName); err != nil {
		return nil, err
	}
	if info.ServiceName == "" {
		return nil, fmt.Errorf("%w: empty service_name", ErrProtocol)
	}
	if err := requireInt(fields, "exploit_variants", &info.ExploitVariants); err != nil {
		return nil, err
	}
	if info.ExploitVariants < 0 {
		return nil, fmt.Errorf("%w: negative exploit_variants", ErrProtocol)
	}
	for key, dst := range map[string]*int{
		"flag_variants":  &info.FlagVariants,
		"noise_variants": &info.NoiseVariants,
		"havoc_variants": &info.HavocVariants,
	} {
		if raw, ok := fields[key]; ok {
			if err := json.Unmarshal(raw, dst); err != nil {
				return nil, fmt.Errorf("%w: field %s: %v", ErrProtocol, key, err)
			}
		}
	}
	return &info, nil
}

func decodeFields(b []byte) (map[string]json.RawMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("%w: malformed json: %v", ErrProtocol, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: expected a json object", ErrProtocol)
	}
	fields := make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		fields[SnakeCase(k)] = v
	}
	return fields, nil
}

func requireString(fields map[string]json.RawMessage, key string, dst *string) error {
	raw, ok := fields[key]
	if !ok || string(raw) == "null" {
		return fmt.Errorf("%w: missing required field %s", ErrProtocol, key)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: field %s: %v", ErrProtocol, key, err)
	}
	return nil
}

func requireInt(fields map[string]json.RawMessage, key string, dst *int) error {
	raw, ok := fields[key]
	if !ok || string(raw) == "null" {
		return fmt.Errorf("%w: missing required field %s", ErrProtocol, key)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: field %s: %v", ErrProtocol, key, err)
	}
	return nil
}

func optionalString(fields map[string]json.RawMessage, key string, dst **string) error {
	raw, ok := fields[key]
	if !ok || string(raw) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("%w: field %s: %v", ErrProtocol, key, err)
	}
	*dst = &s
	return nil
}

// SnakeCase converts a camelCase key to snake_case. Keys that already
// contain underscores are returned lower-cased.
func SnakeCase(key string) string {
	var b strings.Builder
	b.Grow(len(key) + 4)
	for i, r := range key {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && key[i-1] != '_' {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
