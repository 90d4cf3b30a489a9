package management

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	stats    [][2]int64
	messages []string
}

func (r *recorder) parser() *Parser {
	return &Parser{
		OnStatistics: func(read, write int64) { r.stats = append(r.stats, [2]int64{read, write}) },
		OnMessage:    func(line string) { r.messages = append(r.messages, line) },
	}
}

const statisticsReply = "OpenVPN STATISTICS\r\n" +
	"Updated,Tue Mar  5 10:22:01 2024\r\n" +
	"TUN/TAP read bytes,1048576\r\n" +
	"TUN/TAP write bytes,2097152\r\n" +
	"TCP/UDP read bytes,3145728\r\n" +
	"TCP/UDP write bytes,524288\r\n" +
	"Auth read bytes,2097200\r\n" +
	"END\r\n"

func TestParser_StatisticsBlock(t *testing.T) {
	var r recorder
	p := r.parser()

	p.Feed(statisticsReply)

	require.Len(t, r.stats, 1)
	assert.Equal(t, [2]int64{3145728, 524288}, r.stats[0])
	assert.Empty(t, r.messages)
	assert.Equal(t, 0, p.Pending())
}

func TestParser_BlockSplitAcrossFeeds(t *testing.T) {
	var r recorder
	p := r.parser()

	p.Feed("OpenVPN STATISTICS\nUpdated,now\nTUN/TAP read bytes,1\n")
	assert.Empty(t, r.stats)
	assert.Equal(t, 3, p.Pending())

	p.Feed("TUN/TAP write bytes,2\nTCP/UDP read bytes,300\nTCP/UDP write bytes,400\nEND\n")
	require.Len(t, r.stats, 1)
	assert.Equal(t, [2]int64{300, 400}, r.stats[0])
}

func TestParser_EndWithoutBlockIgnored(t *testing.T) {
	var r recorder
	p := r.parser()

	p.Feed("SUCCESS: signal SIGTERM thrown\nEND\n")

	assert.Empty(t, r.stats)
	assert.Equal(t, []string{"SUCCESS: signal SIGTERM thrown"}, r.messages)
}

func TestParser_MalformedEntriesCountAsZero(t *testing.T) {
	tests := []struct {
		name  string
		block string
		want  [2]int64
	}{
		{
			name:  "short block",
			block: "OpenVPN STATISTICS\nUpdated,now\nEND\n",
			want:  [2]int64{0, 0},
		},
		{
			name:  "read entry without value",
			block: "OpenVPN STATISTICS\nUpdated,now\na,1\nb,2\nTCP/UDP read bytes\nTCP/UDP write bytes,77\nEND\n",
			want:  [2]int64{0, 77},
		},
		{
			name:  "non numeric write",
			block: "OpenVPN STATISTICS\nUpdated,now\na,1\nb,2\nTCP/UDP read bytes,5\nTCP/UDP write bytes,lots\nEND\n",
			want:  [2]int64{5, 0},
		},
		{
			name:  "extra commas",
			block: "OpenVPN STATISTICS\nUpdated,now\na,1\nb,2\nTCP/UDP,read,9\nTCP/UDP write bytes,8\nEND\n",
			want:  [2]int64{0, 8},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r recorder
			r.parser().Feed(tt.block)
			require.Len(t, r.stats, 1)
			assert.Equal(t, tt.want, r.stats[0])
		})
	}
}

func TestParser_MessagesOutsideBlock(t *testing.T) {
	var r recorder
	p := r.parser()

	p.Feed(">INFO:OpenVPN Management Interface Version 5 -- type 'help' for more info\n\n  \n>STATE:1700000000,CONNECTED,SUCCESS\n")

	assert.Equal(t, []string{
		">INFO:OpenVPN Management Interface Version 5 -- type 'help' for more info",
		">STATE:1700000000,CONNECTED,SUCCESS",
	}, r.messages)
}

func TestParser_NilCallbacks(t *testing.T) {
	p := &Parser{}
	assert.NotPanics(t, func() {
		p.Feed(statisticsReply + "hello\n")
	})
}
