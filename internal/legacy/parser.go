// Package legacy reads the flat-file chanfix database format so existing
// ledgers can be imported into the SQLite store.
//
// The format is line oriented. Fields are space separated; a trailing field
// starting with ':' runs to the end of the line.
//
//	CFDBV 1
//	CFCHAN <name> <created> <last_update>
//	CFFX <fix_started> <fix_requested 0|1>
//	CFMK <setter> <time> :<text>
//	CFNF <setter> <time> :<reason>
//	CFOP <account|*> <ident> <host> <first_seen> <last_event> <age>
//
// Times are unix seconds, 0 meaning unset. CFFX, CFMK, CFNF and CFOP apply
// to the most recent CFCHAN.
package legacy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lazypower/chanfix/internal/casemap"
	"github.com/lazypower/chanfix/internal/store"
)

// Version is the only format version understood.
const Version = 1

// Result is the outcome of parsing a legacy database.
type Result struct {
	Channels []*store.Channel
	Records  int
	Skipped  int // malformed or orphaned lines
}

// ParseFile reads a legacy database file.
func ParseFile(path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open legacy db: %w", err)
	}
	defer f.Close()

	res, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return res, nil
}

// ParseLines parses legacy content from a string.
func ParseLines(content string) (*Result, error) {
	return Parse(strings.NewReader(content))
}

// Parse reads a legacy database from r. Malformed lines are skipped and
// counted; an unsupported version line is an error.
func Parse(r io.Reader) (*Result, error) {
	p := &parser{res: &Result{}, seen: make(map[string]*store.Channel)}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := p.line(line); err != nil {
			if errors.Is(err, errVersion) {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			p.res.Skipped++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan legacy db: %w", err)
	}
	return p.res, nil
}

var (
	errVersion   = errors.New("unsupported legacy db version")
	errMalformed = errors.New("malformed line")
)

type parser struct {
	res  *Result
	cur  *store.Channel
	seen map[string]*store.Channel
}

func (p *parser) line(line string) error {
	fields, trailing := split(line)
	if len(fields) == 0 {
		return errMalformed
	}

	switch fields[0] {
	case "CFDBV":
		if len(fields) != 2 {
			return errMalformed
		}
		if v, err := strconv.Atoi(fields[1]); err != nil || v != Version {
			return errVersion
		}
		return nil

	case "CFCHAN":
		if len(fields) != 4 {
			return errMalformed
		}
		created, err1 := unix(fields[2])
		updated, err2 := unix(fields[3])
		if err1 != nil || err2 != nil {
			return errMalformed
		}
		key := casemap.Fold(fields[1])
		if c, dup := p.seen[key]; dup {
			// a repeated channel continues the earlier block
			p.cur = c
			return nil
		}
		c := &store.Channel{
			Name:       fields[1],
			CreatedAt:  created,
			LastUpdate: updated,
			Identities: make(map[string]*store.OpRecord),
		}
		p.seen[key] = c
		p.res.Channels = append(p.res.Channels, c)
		p.cur = c
		return nil
	}

	if p.cur == nil {
		return errMalformed
	}

	switch fields[0] {
	case "CFFX":
		if len(fields) != 3 {
			return errMalformed
		}
		started, err := unix(fields[1])
		if err != nil || (fields[2] != "0" && fields[2] != "1") {
			return errMalformed
		}
		p.cur.FixStarted = started
		p.cur.FixRequested = fields[2] == "1"

	case "CFMK", "CFNF":
		if len(fields) != 3 || trailing == "" {
			return errMalformed
		}
		at, err := unix(fields[2])
		if err != nil {
			return errMalformed
		}
		note := &store.Note{Setter: fields[1], Text: trailing, Time: at}
		if fields[0] == "CFMK" {
			p.cur.Mark = note
		} else {
			p.cur.NoFix = note
		}

	case "CFOP":
		if len(fields) != 7 {
			return errMalformed
		}
		first, err1 := unix(fields[4])
		last, err2 := unix(fields[5])
		age, err3 := strconv.Atoi(fields[6])
		if err1 != nil || err2 != nil || err3 != nil || age < 0 {
			return errMalformed
		}
		rec := &store.OpRecord{
			Ident:     fields[2],
			Host:      fields[3],
			FirstSeen: first,
			LastEvent: last,
			Age:       age,
		}
		if fields[1] != "*" {
			rec.Account = fields[1]
			rec.Key = fields[1]
		} else {
			rec.Key = rec.Ident + "@" + rec.Host
		}
		if _, dup := p.cur.Identities[rec.Key]; !dup {
			p.res.Records++
		}
		p.cur.Identities[rec.Key] = rec

	default:
		return errMalformed
	}
	return nil
}

// split breaks a line into space separated fields and an optional trailing
// ':' field.
func split(line string) ([]string, string) {
	var trailing string
	if i := strings.Index(line, " :"); i >= 0 {
		trailing = strings.TrimSpace(line[i+2:])
		line = line[:i]
	}
	return strings.Fields(line), trailing
}

func unix(s string) (time.Time, error) {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec < 0 {
		return time.Time{}, errMalformed
	}
	if sec == 0 {
		return time.Time{}, nil
	}
	return time.Unix(sec, 0), nil
}
