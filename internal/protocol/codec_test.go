package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

const testPayload = "AAAABBBBCCCCDDDDEEEEFFFFGGGGHHHHIIIIJJJJKKKKLLLL"

func TestBuildTaskMessageChainClasses(t *testing.T) {
	c := NewCodec("prefix")
	cases := []struct {
		method Method
		class  string
	}{
		{MethodPutFlag, "flag"},
		{MethodGetFlag, "flag"},
		{MethodPutNoise, "noise"},
		{MethodGetNoise, "noise"},
		{MethodExploit, "exploit"},
		{MethodHavoc, "havoc"},
	}
	for _, tc := range cases {
		msg, err := c.BuildTaskMessage(TaskParams{Method: tc.method, RoundID: 4, VariantID: 2, Address: "10.0.0.1"})
		if err != nil {
			t.Fatalf("BuildTaskMessage(%s): %v", tc.method, err)
		}
		want := "prefix_" + tc.class + "_s0_r4_t0_i2"
		if msg.TaskChainID != want {
			t.Fatalf("chain id for %s = %q, want %q", tc.method, msg.TaskChainID, want)
		}
		if msg.Timeout != 10000 || msg.RoundLength != 60000 {
			t.Fatalf("timing fields = %d/%d, want 10000/60000", msg.Timeout, msg.RoundLength)
		}
	}
}

func TestBuildTaskMessageUniqueVariantIndex(t *testing.T) {
	c := NewCodec("p")
	idx := 17
	msg, err := c.BuildTaskMessage(TaskParams{Method: MethodExploit, RoundID: 1, VariantID: 0, Address: "a", UniqueVariantIndex: &idx})
	if err != nil {
		t.Fatalf("BuildTaskMessage: %v", err)
	}
	if msg.TaskChainID != "p_exploit_s0_r1_t0_i17" {
		t.Fatalf("chain id = %q", msg.TaskChainID)
	}
	if msg.VariantID != 0 {
		t.Fatalf("variant id = %d, want 0", msg.VariantID)
	}
}

func TestBuildTaskMessageRejectsUnknownMethod(t *testing.T) {
	_, err := NewCodec("p").BuildTaskMessage(TaskParams{Method: "steal", Address: "a"})
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
}

func TestChainIDsUniqueAcrossRun(t *testing.T) {
	c := NewCodec("run")
	seen := make(map[string]struct{})
	methods := []Method{MethodPutFlag, MethodPutNoise, MethodExploit, MethodHavoc}
	for round := 0; round < 20; round++ {
		for _, m := range methods {
			for variant := 0; variant < 10; variant++ {
				id := c.ChainID(m, round, variant)
				if _, dup := seen[id]; dup {
					t.Fatalf("duplicate chain id %q", id)
				}
				seen[id] = struct{}{}
			}
		}
	}
}

func TestNewRunPrefix(t *testing.T) {
	a, err := NewRunPrefix()
	if err != nil {
		t.Fatalf("NewRunPrefix: %v", err)
	}
	b, _ := NewRunPrefix()
	if len(a) != 40 || a == b {
		t.Fatalf("prefixes %q and %q: want two distinct 40-char values", a, b)
	}
}

func TestSerializeUsesCamelCaseAndMethodNames(t *testing.T) {
	c := NewCodec("p")
	regex := FlagRegexASCII
	msg, err := c.BuildTaskMessage(TaskParams{Method: MethodExploit, RoundID: 3, VariantID: 1, Address: "10.1.0.2", FlagRegex: &regex})
	if err != nil {
		t.Fatalf("BuildTaskMessage: %v", err)
	}
	b, err := Serialize(msg)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"taskId", "method", "address", "teamId", "teamName", "currentRoundId",
		"relatedRoundId", "flag", "variantId", "timeout", "roundLength", "taskChainId", "flagRegex", "flagHash", "attackInfo"} {
		if _, ok := decoded[key]; !ok {
			t.Fatalf("serialized task missing %q: %s", key, b)
		}
	}
	if decoded["method"] != "exploit" {
		t.Fatalf("method = %v, want exploit", decoded["method"])
	}
}

func TestSerializeRejectsIncompleteTask(t *testing.T) {
	if _, err := Serialize(&TaskMessage{Method: MethodExploit, TaskChainID: "x", Timeout: 1, RoundLength: 1}); !errors.Is(err, ErrProtocol) {
		t.Fatalf("missing address: err = %v, want ErrProtocol", err)
	}
	if _, err := Serialize(&TaskMessage{Method: "bogus", Address: "a", TaskChainID: "x", Timeout: 1, RoundLength: 1}); !errors.Is(err, ErrProtocol) {
		t.Fatalf("bad method: err = %v, want ErrProtocol", err)
	}
}

func TestDeserializeInfo(t *testing.T) {
	for _, body := range []string{
		`{"serviceName":"n0t3b00k","flagVariants":2,"noiseVariants":1,"havocVariants":1,"exploitVariants":2}`,
		`{"service_name":"n0t3b00k","flag_variants":2,"noise_variants":1,"havoc_variants":1,"exploit_variants":2}`,
	} {
		info, err := DeserializeInfo([]byte(body))
		if err != nil {
			t.Fatalf("DeserializeInfo(%s): %v", body, err)
		}
		if info.ServiceName != "n0t3b00k" || info.ExploitVariants != 2 || info.FlagVariants != 2 {
			t.Fatalf("info = %+v", info)
		}
	}
}

func TestDeserializeInfoErrors(t *testing.T) {
	for _, body := range []string{
		`not json`,
		`{"exploitVariants":2}`,
		`{"serviceName":"svc"}`,
		`{"serviceName":"svc","exploitVariants":"two"}`,
		`[]`,
	} {
		if _, err := DeserializeInfo([]byte(body)); !errors.Is(err, ErrProtocol) {
			t.Fatalf("DeserializeInfo(%s) err = %v, want ErrProtocol", body, err)
		}
	}
}

func TestDeserializeResult(t *testing.T) {
	msg, err := DeserializeResult([]byte(`{"result":"OK","message":null,"attackInfo":null,"flag":"ENO` + testPayload + `"}`))
	if err != nil {
		t.Fatalf("DeserializeResult: %v", err)
	}
	if msg.Result != ResultOK || msg.Flag == nil || *msg.Flag != "ENO"+testPayload {
		t.Fatalf("result = %+v", msg)
	}
	if _, err := DeserializeResult([]byte(`{"message":"x"}`)); !errors.Is(err, ErrProtocol) {
		t.Fatalf("missing result: err = %v", err)
	}
	if _, err := DeserializeResult([]byte(`{"result":"MAYBE"}`)); !errors.Is(err, ErrProtocol) {
		t.Fatalf("unknown result: err = %v", err)
	}
}

func TestExtractFlag(t *testing.T) {
	ascii := "ENO" + testPayload
	sandwich := "\U0001F97A" + testPayload + "\U0001F97A\U0001F97A"

	cases := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"ascii", "here is your flag: " + ascii + " bye", ascii, true},
		{"utf8", "flag=" + sandwich, sandwich, true},
		{"none", "nothing to see ENOshort", "", false},
		{"both ascii first", ascii + " " + sandwich, ascii, true},
		{"both utf8 first", sandwich + " " + ascii, sandwich, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ExtractFlag(tc.in)
			if ok != tc.ok || got != tc.want {
				t.Fatalf("ExtractFlag = (%q, %v), want (%q, %v)", got, ok, tc.want, tc.ok)
			}
		})
	}
	if got, _ := ExtractFlag("x" + ascii); len(got) != 51 {
		t.Fatalf("ascii flag length = %d, want 51", len(got))
	}
}

func TestSnakeCase(t *testing.T) {
	for in, want := range map[string]string{
		"serviceName":      "service_name",
		"exploit_variants": "exploit_variants",
		"attackInfo":       "attack_info",
		"flag":             "flag",
	} {
		if got := SnakeCase(in); got != want {
			t.Fatalf("SnakeCase(%q) = %q, want %q", in, got, want)
		}
	}
	if !strings.Contains(FlagRegexUTF8, "\U0001F97A") {
		t.Fatalf("utf8 regex lost its delimiter")
	}
}
