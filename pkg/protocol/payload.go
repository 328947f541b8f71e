package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind discriminates decoded chat plaintext.
type Kind uint8

const (
	KindChat Kind = iota
	KindAdminCommand
	KindExit
	KindFileStart
	KindFileChunk
	KindFileEnd
	KindFileData // legacy single-frame transfer
	KindFileRequest
	KindFileTooLarge
	KindSharedFile
)

func (k Kind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindAdminCommand:
		return "admin_command"
	case KindExit:
		return "exit"
	case KindFileStart:
		return "file_start"
	case KindFileChunk:
		return "file_chunk"
	case KindFileEnd:
		return "file_end"
	case KindFileData:
		return "file_data"
	case KindFileRequest:
		return "file_request"
	case KindFileTooLarge:
		return "file_too_large"
	case KindSharedFile:
		return "shared_file"
	default:
		return "unknown"
	}
}

// IsFileFragment reports whether the kind carries file bytes.
func (k Kind) IsFileFragment() bool {
	return k == KindFileStart || k == KindFileChunk || k == KindFileEnd || k == KindFileData
}

// Text markers embedded in chat bodies.
const (
	AdminPrefix        = "/admin"
	ExitMarker         = "/exit"
	MarkerFileStart    = "[b]File start:[/b] "
	MarkerFileChunk    = "[b]File chunk:[/b] "
	MarkerFileEnd      = "[b]File end:[/b] "
	MarkerFileData     = "[b]File data:[/b] "
	MarkerFileRequest  = "[b]Requesting file:[/b] "
	MarkerFileTooLarge = "[b]File too large:[/b] "
	MarkerSharedFile   = "[b]Shared file:[/b] "

	sharedCodeSep = " | Code: #"
)

// Payload is chat plaintext decoded once into a tagged variant. Only the
// fields relevant to Kind are set.
type Payload struct {
	Kind Kind
	Text string

	// KindAdminCommand
	Command string
	Args    []string

	// file kinds
	Code     string
	Filename string
	Size     int64
	Total    int
	Index    int
	Data     string // base64 fragment or whole file
	Label    string // shared-file label, e.g. "notes.txt (1.2 KB)"
	Notice   string // KindFileTooLarge
}

// ParsePayload classifies plaintext. Admin commands and the exit marker
// must be the whole text; file markers are found anywhere so an author
// prefix does not hide them. Malformed marker bodies decode as KindChat.
func ParsePayload(text string) Payload {
	p := Payload{Kind: KindChat, Text: text}

	if text == ExitMarker {
		p.Kind = KindExit
		return p
	}
	if text == AdminPrefix || strings.HasPrefix(text, AdminPrefix+" ") {
		fields := strings.Fields(text[len(AdminPrefix):])
		p.Kind = KindAdminCommand
		if len(fields) > 0 {
			p.Command = strings.ToLower(fields[0])
			p.Args = fields[1:]
		}
		return p
	}

	if body, ok := after(text, MarkerFileStart); ok {
		code, rest, ok := cutCode(body)
		if !ok {
			return p
		}
		name, size, total, ok := splitNameSizeTail(rest)
		if !ok {
			return p
		}
		n, err := strconv.Atoi(total)
		if err != nil || n < 0 {
			return p
		}
		p.Kind, p.Code, p.Filename, p.Size, p.Total = KindFileStart, code, name, size, n
		return p
	}

	if body, ok := after(text, MarkerFileChunk); ok {
		code, rest, ok := cutCode(body)
		if !ok {
			return p
		}
		idx, data, ok := strings.Cut(rest, ":")
		if !ok {
			return p
		}
		i, err := strconv.Atoi(idx)
		if err != nil || i < 0 {
			return p
		}
		p.Kind, p.Code, p.Index, p.Data = KindFileChunk, code, i, strings.TrimSpace(data)
		return p
	}

	if body, ok := after(text, MarkerFileEnd); ok {
		code := codeOnly(body)
		if code == "" {
			return p
		}
		p.Kind, p.Code = KindFileEnd, code
		return p
	}

	if body, ok := after(text, MarkerFileData); ok {
		code, rest, ok := cutCode(body)
		if !ok {
			return p
		}
		name, size, data, ok := splitNameSizeTail(rest)
		if !ok {
			return p
		}
		p.Kind, p.Code, p.Filename, p.Size, p.Data = KindFileData, code, name, size, strings.TrimSpace(data)
		return p
	}

	if body, ok := after(text, MarkerFileRequest); ok {
		code := codeOnly(body)
		if code == "" {
			return p
		}
		p.Kind, p.Code = KindFileRequest, code
		return p
	}

	if body, ok := after(text, MarkerFileTooLarge); ok {
		p.Kind, p.Notice = KindFileTooLarge, strings.TrimSpace(body)
		return p
	}

	if body, ok := after(text, MarkerSharedFile); ok {
		label, code, ok := strings.Cut(body, sharedCodeSep)
		if !ok {
			return p
		}
		code = codeOnly(code)
		if code == "" {
			return p
		}
		p.Kind, p.Code, p.Label = KindSharedFile, code, strings.TrimSpace(label)
		p.Filename = p.Label
		if i := strings.LastIndex(p.Label, " ("); i > 0 && strings.HasSuffix(p.Label, ")") {
			p.Filename = p.Label[:i]
		}
		return p
	}

	return p
}

// FormatAdminCommand builds "/admin <command> [args...]".
func FormatAdminCommand(command string, args ...string) string {
	return strings.Join(append([]string{AdminPrefix, command}, args...), " ")
}

// FormatFileStart declares a chunked transfer.
func FormatFileStart(code, filename string, size int64, total int) string {
	return fmt.Sprintf("%s#%s:%s:%d:%d", MarkerFileStart, code, filename, size, total)
}

// FormatFileChunk carries one base64 fragment.
func FormatFileChunk(code string, index int, data string) string {
	return fmt.Sprintf("%s#%s:%d:%s", MarkerFileChunk, code, index, data)
}

// FormatFileEnd terminates a chunked transfer.
func FormatFileEnd(code string) string {
	return MarkerFileEnd + "#" + code
}

// FormatFileData is the legacy single-frame transfer.
func FormatFileData(code, filename string, size int64, data string) string {
	return fmt.Sprintf("%s#%s:%s:%d:%s", MarkerFileData, code, filename, size, data)
}

// FormatFileRequest asks peers to resend a shared file.
func FormatFileRequest(code string) string {
	return MarkerFileRequest + "#" + code
}

// FormatFileTooLarge reports a rejected share.
func FormatFileTooLarge(notice string) string {
	return MarkerFileTooLarge + notice
}

// FormatSharedFile announces a file available for request.
func FormatSharedFile(filename, sizeLabel, code string) string {
	return fmt.Sprintf("%s%s (%s)%s%s", MarkerSharedFile, filename, sizeLabel, sharedCodeSep, code)
}

func after(text, marker string) (string, bool) {
	i := strings.Index(text, marker)
	if i < 0 {
		return "", false
	}
	return text[i+len(marker):], true
}

// cutCode splits "#code:rest".
func cutCode(body string) (code, rest string, ok bool) {
	body = strings.TrimPrefix(strings.TrimSpace(body), "#")
	code, rest, ok = strings.Cut(body, ":")
	if !ok || code == "" {
		return "", "", false
	}
	return code, rest, true
}

// codeOnly extracts the code from "#code" with optional trailing text.
func codeOnly(body string) string {
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimPrefix(fields[0], "#")
}

// splitNameSizeTail splits "name:size:tail" where name may contain colons
// and tail does not.
func splitNameSizeTail(rest string) (name string, size int64, tail string, ok bool) {
	last := strings.LastIndex(rest, ":")
	if last < 0 {
		return "", 0, "", false
	}
	head, tail := rest[:last], rest[last+1:]
	mid := strings.LastIndex(head, ":")
	if mid <= 0 {
		return "", 0, "", false
	}
	name, sizeStr := head[:mid], head[mid+1:]
	n, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil || n < 0 {
		return "", 0, "", false
	}
	return name, n, tail, true
}
