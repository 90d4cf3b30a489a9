package management

import (
	"strconv"
	"strings"
)

const (
	statisticsHeader = "OpenVPN STATISTICS"
	blockEnd         = "END"

	// Positions of the transport read/write counters inside a statistics
	// block, counting the header as entry 0.
	readEntry  = 4
	writeEntry = 5
)

// Parser consumes management output and reassembles statistics blocks.
// It is not safe for concurrent use; the Client serialises access.
type Parser struct {
	// OnStatistics receives the cumulative byte counters of each complete
	// statistics block.
	OnStatistics func(read, write int64)
	// OnMessage receives every line that is not part of a statistics block.
	OnMessage func(line string)

	block []string
}

// Feed splits data on newlines and processes each trimmed line.
func (p *Parser) Feed(data string) {
	for _, line := range strings.Split(data, "\n") {
		p.FeedLine(line)
	}
}

// FeedLine processes a single line.
func (p *Parser) FeedLine(line string) {
	line = strings.TrimSpace(line)

	switch {
	case line == "":
	case line == statisticsHeader:
		p.block = append(p.block, line)
	case line == blockEnd:
		// END with nothing accumulated terminates some other command's output.
		if len(p.block) == 0 {
			return
		}
		read, write := blockCounter(p.block, readEntry), blockCounter(p.block, writeEntry)
		p.block = p.block[:0]
		if p.OnStatistics != nil {
			p.OnStatistics(read, write)
		}
	case len(p.block) != 0:
		p.block = append(p.block, line)
	default:
		if p.OnMessage != nil {
			p.OnMessage(line)
		}
	}
}

// Pending returns the number of buffered statistics lines.
func (p *Parser) Pending() int {
	return len(p.block)
}

// blockCounter reads "<label>,<int>" at index i. Anything else counts as 0.
func blockCounter(block []string, i int) int64 {
	if i >= len(block) {
		return 0
	}
	parts := strings.Split(block[i], ",")
	if len(parts) != 2 {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
