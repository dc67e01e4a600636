package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
)

const (
	// FlagRegexASCII matches the plain ENO flag format.
	FlagRegexASCII = `ENO[A-Za-z0-9+/=]{48}`
	// FlagRegexUTF8 matches the emoji sandwich flag format.
	FlagRegexUTF8 = "\U0001F97A[A-Za-z0-9+/=]{48}\U0001F97A\U0001F97A"
)

var (
	flagASCII = regexp.MustCompile(FlagRegexASCII)
	flagUTF8  = regexp.MustCompile(FlagRegexUTF8)
)

// NewRunPrefix returns a random 40-character hex prefix for task chain ids.
func NewRunPrefix() (string, error) {
	var b [20]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate run prefix: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// Codec builds task messages for one simulation run. The run prefix is fixed
// for the lifetime of the codec so chain ids never collide across calls.
type Codec struct {
	runPrefix string
}

// NewCodec returns a codec using prefix for every task chain id.
func NewCodec(prefix string) *Codec {
	return &Codec{runPrefix: prefix}
}

// RunPrefix returns the prefix shared by all chain ids of this run.
func (c *Codec) RunPrefix() string { return c.runPrefix }

// TaskParams are the inputs of a single checker invocation.
type TaskParams struct {
	Method    Method
	RoundID   int
	VariantID int
	Address   string

	Flag       *string
	FlagHash   *string
	FlagRegex  *string
	AttackInfo *string

	// UniqueVariantIndex disambiguates chain ids of calls sharing a variant.
	// When nil, VariantID is used.
	UniqueVariantIndex *int
}

// ChainID renders the task chain id for method/round/index.
func (c *Codec) ChainID(method Method, roundID, variantIndex int) string {
	return fmt.Sprintf("%s_%s_s0_r%d_t0_i%d", c.runPrefix, method.ChainClass(), roundID, variantIndex)
}

// BuildTaskMessage assembles a checker task. Unknown methods fail with
// ErrProtocol.
func (c *Codec) BuildTaskMessage(p TaskParams) (*TaskMessage, error) {
	if !p.Method.Valid() {
		return nil, fmt.Errorf("%w: unknown checker method %q", ErrProtocol, string(p.Method))
	}
	index := p.VariantID
	if p.UniqueVariantIndex != nil {
		index = *p.UniqueVariantIndex
	}
	return &TaskMessage{
		TaskID:         p.RoundID,
		Method:         p.Method,
		Address:        p.Address,
		TeamID:         0,
		TeamName:       "teamname",
		CurrentRoundID: p.RoundID,
		RelatedRoundID: p.RoundID,
		Flag:           p.Flag,
		VariantID:      p.VariantID,
		Timeout:        TaskTimeoutMillis,
		RoundLength:    RoundLengthMillis,
		TaskChainID:    c.ChainID(p.Method, p.RoundID, index),
		FlagRegex:      p.FlagRegex,
		FlagHash:       p.FlagHash,
		AttackInfo:     p.AttackInfo,
	}, nil
}

// ExtractFlag finds a flag in text, trying both encodings. When both occur
// the one starting earliest in text wins.
func ExtractFlag(text string) (string, bool) {
	ascii := flagASCII.FindStringIndex(text)
	utf8 := flagUTF8.FindStringIndex(text)
	switch {
	case ascii == nil && utf8 == nil:
		return "", false
	case utf8 == nil || (ascii != nil && ascii[0] < utf8[0]):
		return text[ascii[0]:ascii[1]], true
	default:
		return text[utf8[0]:utf8[1]], true
	}
}
