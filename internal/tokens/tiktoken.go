package tokens

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// EncodingCL100kBase is the default encoding. Models without a public
// tokenizer are approximated with it.
const EncodingCL100kBase = "cl100k_base"

var registerLoaderOnce sync.Once

// TiktokenLoader returns a Loader for the named tiktoken encoding. Rank files
// found in localDir (named like the upstream asset, e.g.
// "cl100k_base.tiktoken") are preferred; otherwise the asset is fetched
// through tiktoken-go's default loader, which caches downloads on disk.
//
// tiktoken-go keeps one process-wide BPE loader, so only the localDir of the
// first TiktokenLoader to run takes effect.
func TiktokenLoader(encoding, localDir string) Loader {
	if encoding == "" {
		encoding = EncodingCL100kBase
	}
	return func() (Encoder, error) {
		registerLoaderOnce.Do(func() {
			tiktoken.SetBpeLoader(&localBpeLoader{
				dir:      localDir,
				fallback: tiktoken.NewDefaultBpeLoader(),
			})
		})
		enc, err := tiktoken.GetEncoding(encoding)
		if err != nil {
			return nil, fmt.Errorf("load tiktoken encoding %q: %w", encoding, err)
		}
		return tiktokenEncoder{enc: enc}, nil
	}
}

type tiktokenEncoder struct {
	enc *tiktoken.Tiktoken
}

func (t tiktokenEncoder) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

// localBpeLoader implements tiktoken.BpeLoader, serving rank files from a
// local directory before falling back.
type localBpeLoader struct {
	dir      string
	fallback tiktoken.BpeLoader
}

func (l *localBpeLoader) LoadTiktokenBpe(bpeFile string) (map[string]int, error) {
	if l.dir != "" {
		local := filepath.Join(l.dir, path.Base(bpeFile))
		if data, err := os.ReadFile(local); err == nil {
			ranks, err := parseBpeRanks(data)
			if err == nil {
				return ranks, nil
			}
			slog.Warn("ignoring unreadable local tokenizer asset", "path", local, "error", err)
		}
	}
	return l.fallback.LoadTiktokenBpe(bpeFile)
}

// parseBpeRanks parses the tiktoken rank file format: one base64 token and
// its integer rank per line.
func parseBpeRanks(data []byte) (map[string]int, error) {
	ranks := make(map[string]int, 100000)
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		parts := strings.Split(line, " ")
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed rank line %q", line)
		}
		token, err := base64.StdEncoding.DecodeString(parts[0])
		if err != nil {
			return nil, fmt.Errorf("decode BPE token: %w", err)
		}
		rank, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("parse BPE rank: %w", err)
		}
		ranks[string(token)] = rank
	}
	return ranks, nil
}
