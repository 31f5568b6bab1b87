package sentinel

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

const maxIterations = 500000

// failedAnswerPrefix marks a solution that exhausted the search budget. The
// upstream still accepts the request with a degraded score.
const failedAnswerPrefix = "wQ8Lk5FbGpA2NcR9dShT6gYjU7VxZ4D"

var (
	powCores   = []int{8, 16, 24, 32}
	powScripts = []string{
		"https://cdn.oaistatic.com/_next/static/cXh69klOLzS0Gy2joLDRS/_ssgManifest.js?dpl=453ebaec0d44c2decab71692e1bfe39be35a24b3",
	}
	powDeployments = []string{"prod-f501fe933b3edf57aea882da888e1a544df99840"}

	navigatorKeys = []string{
		"registerProtocolHandler−function registerProtocolHandler() { [native code] }",
		"storage−[object StorageManager]",
		"locks−[object LockManager]",
		"appCodeName−Mozilla",
		"permissions−[object Permissions]",
		"webdriver−false",
		"vendor−Google Inc.",
		"mediaDevices−[object MediaDevices]",
		"cookieEnabled−true",
		"product−Gecko",
		"productSub−20030107",
		"hardwareConcurrency−32",
		"onLine−true",
	}
	documentKeys = []string{"_reactListeningo743lnnpvdg", "location"}
	windowKeys   = []string{
		"0", "window", "self", "document", "name", "location",
		"navigator", "screen", "innerWidth", "innerHeight",
		"localStorage", "sessionStorage", "crypto", "performance",
		"fetch", "setTimeout", "setInterval", "console",
	}

	screenSums = []int{1920 + 1080, 2560 + 1440, 1920 + 1200, 2560 + 1600}
)

var processStart = time.Now()

// perfNow mirrors a browser's performance.now(): fractional milliseconds since
// process start.
func perfNow() float64 {
	return float64(time.Since(processStart).Microseconds()) / 1000.0
}

var estZone = time.FixedZone("EST", -5*60*60)

func powTimestamp(now time.Time) string {
	return now.In(estZone).Format("Mon Jan 02 2006 15:04:05") + " GMT-0500 (Eastern Standard Time)"
}

// newFingerprint assembles the 18-slot browser fingerprint array. Slots 3 and
// 9 are placeholders overwritten by the solver's search counter.
func newFingerprint(userAgent string) []interface{} {
	return []interface{}{
		screenSums[rand.Intn(len(screenSums))],
		powTimestamp(time.Now()),
		4294705152,
		0,
		userAgent,
		powScripts[rand.Intn(len(powScripts))],
		powDeployments[rand.Intn(len(powDeployments))],
		"en-US",
		"en-US,es-US,en,es",
		0,
		navigatorKeys[rand.Intn(len(navigatorKeys))],
		documentKeys[rand.Intn(len(documentKeys))],
		windowKeys[rand.Intn(len(windowKeys))],
		perfNow(),
		uuid.New().String(),
		"",
		powCores[rand.Intn(len(powCores))],
		float64(time.Now().UnixMilli()) - perfNow(),
	}
}

// compactJSON marshals without HTML escaping so the fingerprint text matches
// what a browser would produce.
func compactJSON(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// solve searches for a counter value whose fingerprint hashes under the target.
// The candidate is base64(fingerprint JSON) with slots 3 and 9 holding the
// counter and counter>>1; the answer is that base64 text. A hash qualifies
// when its first len(difficulty)/2 bytes compare at or below the difficulty
// bytes. Returns ok=false with the degraded answer when the budget runs out.
func solve(seed, difficulty string, fingerprint []interface{}) (string, bool, error) {
	target, err := hex.DecodeString(difficulty)
	if err != nil {
		return "", false, fmt.Errorf("invalid difficulty %q: %w", difficulty, err)
	}
	diffLen := len(difficulty) / 2
	if diffLen > 64 {
		diffLen = 64
	}

	part1, err := compactJSON(fingerprint[:3])
	if err != nil {
		return "", false, fmt.Errorf("failed to encode fingerprint: %w", err)
	}
	part2, err := compactJSON(fingerprint[4:9])
	if err != nil {
		return "", false, fmt.Errorf("failed to encode fingerprint: %w", err)
	}
	part3, err := compactJSON(fingerprint[10:])
	if err != nil {
		return "", false, fmt.Errorf("failed to encode fingerprint: %w", err)
	}

	// "[a,b,c]" -> "[a,b,c," ... ",e,f,g,h,i," ... ",k,...,r]" so the two
	// counter slots can be spliced between them.
	static1 := append(append(make([]byte, 0, len(part1)+1), part1[:len(part1)-1]...), ',')
	static2 := append(append(append(make([]byte, 0, len(part2)+1), ','), part2[1:len(part2)-1]...), ',')
	static3 := append(append(make([]byte, 0, len(part3)+1), ','), part3[1:]...)

	seedBytes := []byte(seed)
	hasher := sha3.New512()
	var payload, encoded []byte
	digest := make([]byte, 0, 64)

	for i := 0; i < maxIterations; i++ {
		counter := strconv.Itoa(i)
		half := strconv.Itoa(i >> 1)

		payload = payload[:0]
		payload = append(payload, static1...)
		payload = append(payload, counter...)
		payload = append(payload, static2...)
		payload = append(payload, half...)
		payload = append(payload, static3...)

		encLen := base64.StdEncoding.EncodedLen(len(payload))
		if cap(encoded) < encLen {
			encoded = make([]byte, encLen)
		}
		encoded = encoded[:encLen]
		base64.StdEncoding.Encode(encoded, payload)

		hasher.Reset()
		hasher.Write(seedBytes)
		hasher.Write(encoded)
		digest = hasher.Sum(digest[:0])

		if bytes.Compare(digest[:diffLen], target) <= 0 {
			return string(encoded), true, nil
		}
	}

	fallback := failedAnswerPrefix + base64.StdEncoding.EncodeToString([]byte(`"`+seed+`"`))
	return fallback, false, nil
}

// newSeed produces the random seed used for self-issued challenges.
func newSeed() string {
	return strconv.FormatFloat(rand.Float64(), 'g', -1, 64)
}
