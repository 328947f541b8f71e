package client

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aeolun/darkroom/pkg/protocol"
	"github.com/aeolun/darkroom/pkg/transfer"
)

// ShareFile offers a local file to the room. Peers fetch it with
// RequestFile and the returned code.
func (c *Client) ShareFile(path string) (transfer.SharedEntry, error) {
	entry, announcement, err := c.library.Share(path)
	if err != nil {
		return transfer.SharedEntry{}, err
	}
	if err := c.Send(announcement); err != nil {
		return transfer.SharedEntry{}, fmt.Errorf("announce %s: %w", entry.Name, err)
	}
	return entry, nil
}

// RequestFile asks whoever shared code to send it. The transfer is kept
// when it arrives.
func (c *Client) RequestFile(code string) error {
	code = strings.TrimPrefix(strings.TrimSpace(code), "#")
	if code == "" {
		return errors.New("empty file code")
	}
	c.mu.Lock()
	c.requested[code] = true
	c.mu.Unlock()
	return c.Send(protocol.FormatFileRequest(code))
}

func (c *Client) accepts(code, filename string) bool {
	if c.cfg.AcceptFile != nil {
		return c.cfg.AcceptFile(code, filename)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requested[code]
}

func (c *Client) forget(code string) {
	c.mu.Lock()
	delete(c.requested, code)
	c.mu.Unlock()
}

// receiveFile feeds one fragment to the assembler. Fragments of transfers
// this client did not accept are dropped.
func (c *Client) receiveFile(p protocol.Payload, h Handler) {
	switch p.Kind {
	case protocol.KindFileStart:
		if !c.accepts(p.Code, p.Filename) {
			return
		}
		c.logf("Receiving %s (%s, %d chunks)", p.Filename, transfer.FormatSize(p.Size), p.Total)
	case protocol.KindFileData:
		if !c.accepts(p.Code, p.Filename) {
			return
		}
	}

	done, err := c.assembler.Handle(p)
	switch {
	case errors.Is(err, transfer.ErrUnknownTransfer):
		return
	case err != nil && p.Kind == protocol.KindFileChunk:
		c.logf("Bad chunk for #%s: %v", p.Code, err)
		return
	case err != nil:
		c.forget(p.Code)
		h(Event{Kind: EventTransferFailed, Text: err.Error(), Payload: p, Err: err})
		return
	}

	if done != nil {
		c.forget(done.Code)
		h(Event{
			Kind:    EventFileReceived,
			Text:    fmt.Sprintf("File saved successfully: %s", done.Path),
			Payload: p,
			File:    done,
		})
	}
}

// answerRequest sends a shared file back through the relay. Sending runs
// off the receive loop so incoming frames keep draining meanwhile.
func (c *Client) answerRequest(code string, h Handler) {
	entry, ok := c.library.Lookup(code)
	if !ok {
		return
	}

	frames, err := c.library.Frames(code, transfer.FragmentSize(c.keys.MaxPlaintext(), 0))
	if err != nil {
		h(Event{Kind: EventTransferFailed, Text: fmt.Sprintf("Error sending file: %v", err), Err: err})
		return
	}

	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return
	default:
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		for _, f := range frames {
			if err := c.SendRaw(f); err != nil {
				c.logf("Sending #%s stopped: %v", code, err)
				return
			}
		}
		c.logf("Sent %s (#%s) in %d frames", entry.Name, code, len(frames))
	}()
	h(Event{Kind: EventFileSent, Text: fmt.Sprintf("Sending %s to the room", entry.Name), File: &transfer.Completed{
		Code:     entry.Code,
		Filename: entry.Name,
		Size:     entry.Size,
		Path:     entry.Path,
	}})
}
