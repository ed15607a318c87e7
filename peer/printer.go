package peer

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"relay/dto"
)

var (
	labelColor  = color.New(color.FgCyan, color.Bold)
	systemColor = color.New(color.FgYellow)
)

// Printer выводит входящие сообщения в виде "label: text"
type Printer struct {
	mu  sync.Mutex
	out io.Writer
}

func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

func (p *Printer) Print(d dto.Delivery) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if d.IsSystem() {
		_, _ = fmt.Fprintln(p.out, systemColor.Sprintf("* %s", d.Text))
		return
	}
	_, _ = fmt.Fprintf(p.out, "%s: %s\n", labelColor.Sprint(d.From), d.Text)
}
