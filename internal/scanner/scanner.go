// Package scanner looks for adversarial instructions in a project's input
// documents before any step is allowed to read them.
package scanner

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/agentkit/security"
)

// Class names a family of adversarial patterns.
type Class string

const (
	InstructionOverride Class = "instruction_override"
	RoleSwitch          Class = "role_switch"
	DelimiterInjection  Class = "delimiter_injection"
	SecretExfiltration  Class = "secret_exfiltration"
	CommandExecution    Class = "command_execution"
)

const (
	// DefaultThreshold is the warning count at which a run is aborted.
	DefaultThreshold = 3
	// DefaultMaxFileBytes caps the size of a scanned document.
	DefaultMaxFileBytes = 2 << 20

	snippetContext = 40
	snippetMax     = 120
)

type pattern struct {
	class Class
	re    *regexp.Regexp
}

var patterns = []pattern{
	{InstructionOverride, regexp.MustCompile(`(?i)\b(ignore|disregard|forget)\s+(all\s+|any\s+)?(the\s+)?(previous|prior|above|earlier)\s+(instructions|rules|prompts|directions)`)},
	{InstructionOverride, regexp.MustCompile(`(?i)(игнорируй|забудь)\s+(все\s+)?(предыдущие|прошлые)\s+(инструкции|указания)`)},
	{InstructionOverride, regexp.MustCompile(`(?i)\bnew\s+instructions\s*:`)},
	{RoleSwitch, regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(a|an|the)\b`)},
	{RoleSwitch, regexp.MustCompile(`(?i)\b(act|pretend|behave)\s+as\s+(if\s+you\s+are\s+)?(a|an|the)\s+\w+`)},
	{RoleSwitch, regexp.MustCompile(`(?i)теперь\s+ты\s+`)},
	{DelimiterInjection, regexp.MustCompile(`(?i)</?\s*(system|assistant|instructions?)\s*>`)},
	{DelimiterInjection, regexp.MustCompile(`(?i)\[/?(system|inst)\]`)},
	{DelimiterInjection, regexp.MustCompile(`<\|(im_start|im_end|system|endoftext)\|>`)},
	{SecretExfiltration, regexp.MustCompile(`(?i)\b(reveal|print|show|send|output|leak)\s+(your\s+|the\s+)?(system\s+prompt|api[\s_-]?key|secrets?|credentials|password|token)`)},
	{SecretExfiltration, regexp.MustCompile(`(?i)(покажи|отправь|выведи)\s+(свой\s+)?(системный\s+промпт|ключ|пароль|токен)`)},
	{CommandExecution, regexp.MustCompile(`(?i)\b(run|execute|exec)\s+(the\s+)?(following\s+)?(shell\s+|bash\s+)?(command|script)`)},
	{CommandExecution, regexp.MustCompile(`(?i)\b(curl|wget)\s+(-\w+\s+)*https?://\S+\s*\|\s*(ba|z)?sh\b`)},
	{CommandExecution, regexp.MustCompile(`(?i)\brm\s+-rf\s+/`)},
}

var textExtensions = map[string]bool{
	"":      true,
	".md":   true,
	".txt":  true,
	".json": true,
	".yaml": true,
	".yml":  true,
	".html": true,
	".htm":  true,
	".xml":  true,
	".csv":  true,
	".rst":  true,
}

// Warning is a single pattern match.
type Warning struct {
	File    string  `json:"file"`
	Class   Class   `json:"class"`
	Line    int     `json:"line"`
	Snippet string  `json:"snippet"`
	Entropy float64 `json:"entropy"`
}

// Options tunes a Scanner.
type Options struct {
	MaxFileBytes int64
	Logger       *logging.Logger
}

// Scanner walks a corpus and reports pattern matches.
type Scanner struct {
	maxBytes int64
	logger   *logging.Logger
}

// New creates a scanner.
func New(opts Options) *Scanner {
	limit := opts.MaxFileBytes
	if limit <= 0 {
		limit = DefaultMaxFileBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.New()
	}
	return &Scanner{
		maxBytes: limit,
		logger:   logger.WithComponent("scanner"),
	}
}

// Scan reads every text document under root. Unreadable entries are skipped.
// A missing root yields no warnings.
func (s *Scanner) Scan(root string) ([]Warning, error) {
	info, err := os.Stat(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return s.scanFile(root, filepath.Base(root)), nil
	}

	var warnings []Warning
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == root {
				return walkErr
			}
			s.logger.Debug("scan_skip", map[string]interface{}{"path": path, "error": walkErr.Error()})
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if !textExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		warnings = append(warnings, s.scanFile(path, rel)...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return warnings, nil
}

func (s *Scanner) scanFile(path, name string) []Warning {
	info, err := os.Stat(path)
	if err != nil || info.Size() > s.maxBytes {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		s.logger.Debug("scan_skip", map[string]interface{}{"path": path, "error": err.Error()})
		return nil
	}
	defer f.Close()

	var warnings []Warning
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), int(s.maxBytes)+1)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		for _, p := range patterns {
			loc := p.re.FindStringIndex(line)
			if loc == nil {
				continue
			}
			warnings = append(warnings, Warning{
				File:    name,
				Class:   p.class,
				Line:    lineNo,
				Snippet: snippet(line, loc[0], loc[1]),
				Entropy: security.ShannonEntropy([]byte(line[loc[0]:loc[1]])),
			})
		}
	}
	if err := sc.Err(); err != nil {
		s.logger.Debug("scan_partial", map[string]interface{}{"path": path, "error": err.Error()})
	}
	return warnings
}

// snippet returns the match with some surrounding context, whitespace
// collapsed and capped at snippetMax runes.
func snippet(line string, start, end int) string {
	from := start - snippetContext
	if from < 0 {
		from = 0
	}
	to := end + snippetContext
	if to > len(line) {
		to = len(line)
	}
	// Align to rune boundaries.
	for from > 0 && !isRuneStart(line[from]) {
		from--
	}
	for to < len(line) && !isRuneStart(line[to]) {
		to++
	}
	text := strings.Join(strings.Fields(line[from:to]), " ")
	runes := []rune(text)
	if len(runes) > snippetMax {
		text = string(runes[:snippetMax-3]) + "..."
	}
	return text
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// Blocks reports whether the warning count reaches the abort threshold.
// A non-positive threshold uses DefaultThreshold.
func Blocks(warnings []Warning, threshold int) bool {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return len(warnings) >= threshold
}

// Summary counts warnings per class.
func Summary(warnings []Warning) map[Class]int {
	out := make(map[Class]int)
	for _, w := range warnings {
		out[w.Class]++
	}
	return out
}
