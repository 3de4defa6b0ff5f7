package store

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/miradorstack/mirador-pulse/internal/models"
	"github.com/miradorstack/mirador-pulse/internal/utils"
)

// ValkeyConfig holds connection and sizing parameters for a Valkey/Redis
// server with the Bloom module loaded (CMS.* and CF.* commands).
type ValkeyConfig struct {
	Addr           string
	Username       string
	Password       string
	DB             int
	DialTimeout    time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRetries     int
	TLS            bool
	SketchWidth    int
	SketchDepth    int
	FilterCapacity int
}

const pairCountKey = "service-pairs:count"
const pairFilterKey = "service-calls"

// ValkeyStore implements Store against a Valkey/Redis-stack server, using
// count-min sketches, a cuckoo filter, a stream for the fingerprint log and
// PUBLISH for the alert channel.
type ValkeyStore struct {
	cfg ValkeyConfig
}

// NewValkeyStore connects, pings, and idempotently reserves the
// probabilistic structures. Connectivity or module errors fail fast so boot
// aborts with a clear diagnostic.
func NewValkeyStore(ctx context.Context, cfg ValkeyConfig) (*ValkeyStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey addr is required")
	}
	normaliseValkeyConfig(&cfg)

	s := &ValkeyStore{cfg: cfg}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := s.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := s.initStructures(ctx); err != nil {
		return nil, utils.NewAppError("valkey.init", "reserve probabilistic structures", err)
	}
	return s, nil
}

func normaliseValkeyConfig(cfg *ValkeyConfig) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 500 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.SketchWidth <= 0 {
		cfg.SketchWidth = 2048
	}
	if cfg.SketchDepth <= 0 {
		cfg.SketchDepth = 5
	}
	if cfg.FilterCapacity <= 0 {
		cfg.FilterCapacity = 1 << 20
	}
}

// initStructures reserves every sketch and the pair filter. A structure that
// already exists is left untouched so restarts keep accumulated counts.
func (s *ValkeyStore) initStructures(ctx context.Context) error {
	width := strconv.Itoa(s.cfg.SketchWidth)
	depth := strconv.Itoa(s.cfg.SketchDepth)
	for _, sketch := range []string{SketchEndpoints, SketchStatuses, SketchLatency, SketchBusiness, SketchLogLevels} {
		_, err := s.do(ctx, "CMS.INITBYDIM", sketch, width, depth)
		if err != nil && !isAlreadyExists(err) {
			return fmt.Errorf("reserve sketch %s: %w", sketch, err)
		}
	}
	_, err := s.do(ctx, "CF.RESERVE", pairFilterKey, strconv.Itoa(s.cfg.FilterCapacity))
	if err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("reserve pair filter: %w", err)
	}
	return nil
}

func isAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "exists") || strings.Contains(msg, "already")
}

// Increment folds delta into the named sketch.
func (s *ValkeyStore) Increment(ctx context.Context, sketch, key string, delta uint64) error {
	_, err := s.do(ctx, "CMS.INCRBY", sketch, key, strconv.FormatUint(delta, 10))
	return wrapUnavailable(err)
}

// Estimate queries approximate counts for the given keys.
func (s *ValkeyStore) Estimate(ctx context.Context, sketch string, keys ...string) ([]uint64, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	args := append([]string{sketch}, keys...)
	reply, err := s.do(ctx, "CMS.QUERY", args...)
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	if reply.typ != replyArray || len(reply.elems) != len(keys) {
		return nil, fmt.Errorf("unexpected CMS.QUERY reply shape")
	}
	counts := make([]uint64, len(keys))
	for i, elem := range reply.elems {
		n, convErr := strconv.ParseUint(string(elem.data), 10, 64)
		if convErr != nil {
			return nil, fmt.Errorf("parse CMS.QUERY count: %w", convErr)
		}
		counts[i] = n
	}
	return counts, nil
}

// AddPair inserts the pair token if absent, bumping the distinct counter on
// first sight.
func (s *ValkeyStore) AddPair(ctx context.Context, pair string) (bool, error) {
	reply, err := s.do(ctx, "CF.ADDNX", pairFilterKey, pair)
	if err != nil {
		return false, wrapUnavailable(err)
	}
	added := reply.typ == replyInteger && string(reply.data) == "1"
	if added {
		if _, err := s.do(ctx, "INCR", pairCountKey); err != nil {
			return true, wrapUnavailable(err)
		}
	}
	return added, nil
}

// SeenPair checks the cuckoo filter for the pair token.
func (s *ValkeyStore) SeenPair(ctx context.Context, pair string) (bool, error) {
	reply, err := s.do(ctx, "CF.EXISTS", pairFilterKey, pair)
	if err != nil {
		return false, wrapUnavailable(err)
	}
	return reply.typ == replyInteger && string(reply.data) == "1", nil
}

// PairCount returns the distinct-pair counter maintained by AddPair.
func (s *ValkeyStore) PairCount(ctx context.Context) (uint64, error) {
	reply, err := s.do(ctx, "GET", pairCountKey)
	if err != nil {
		return 0, wrapUnavailable(err)
	}
	if reply.typ == replyNil {
		return 0, nil
	}
	n, convErr := strconv.ParseUint(string(reply.data), 10, 64)
	if convErr != nil {
		return 0, fmt.Errorf("parse pair count: %w", convErr)
	}
	return n, nil
}

// AppendFingerprint XADDs the entry using the sequence id as the stream id,
// which makes sequence ordering and stream ordering coincide.
func (s *ValkeyStore) AppendFingerprint(ctx context.Context, fp models.Fingerprint) error {
	id := strconv.FormatUint(fp.SequenceID, 10) + "-0"
	_, err := s.do(ctx, "XADD", FingerprintStream, id,
		"ts", strconv.FormatInt(fp.Timestamp.UnixMilli(), 10),
		"data", encodeVector(fp.Vector),
	)
	if err != nil {
		if strings.Contains(err.Error(), "equal or smaller") {
			return ErrStaleSequence
		}
		return wrapUnavailable(err)
	}
	return nil
}

// ReadFingerprints returns entries with sequence id greater than afterSeq.
func (s *ValkeyStore) ReadFingerprints(ctx context.Context, afterSeq uint64, limit int) ([]models.Fingerprint, error) {
	start := strconv.FormatUint(afterSeq+1, 10) + "-0"
	args := []string{FingerprintStream, start, "+"}
	if limit > 0 {
		args = append(args, "COUNT", strconv.Itoa(limit))
	}
	reply, err := s.do(ctx, "XRANGE", args...)
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	return decodeStreamEntries(reply)
}

// RecentFingerprints returns the newest entries first.
func (s *ValkeyStore) RecentFingerprints(ctx context.Context, limit int) ([]models.Fingerprint, error) {
	args := []string{FingerprintStream, "+", "-"}
	if limit > 0 {
		args = append(args, "COUNT", strconv.Itoa(limit))
	}
	reply, err := s.do(ctx, "XREVRANGE", args...)
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	return decodeStreamEntries(reply)
}

// LastSequence reads the stream tail's sequence id.
func (s *ValkeyStore) LastSequence(ctx context.Context) (uint64, error) {
	reply, err := s.do(ctx, "XREVRANGE", FingerprintStream, "+", "-", "COUNT", "1")
	if err != nil {
		return 0, wrapUnavailable(err)
	}
	entries, decodeErr := decodeStreamEntries(reply)
	if decodeErr != nil {
		return 0, decodeErr
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return entries[0].SequenceID, nil
}

// PublishAlert PUBLISHes the alert JSON to the alert channel.
func (s *ValkeyStore) PublishAlert(ctx context.Context, alert models.AlertEvent) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	if _, err := s.do(ctx, "PUBLISH", AlertChannel, string(payload)); err != nil {
		return wrapUnavailable(err)
	}
	return nil
}

// Ping verifies connectivity.
func (s *ValkeyStore) Ping(ctx context.Context) error {
	reply, err := s.do(ctx, "PING")
	if err != nil {
		return err
	}
	if reply.typ != replySimpleString || string(reply.data) != "PONG" {
		return fmt.Errorf("unexpected PING response: %s", reply.data)
	}
	return nil
}

// Close releases resources (connections are per-call, so nothing to do).
func (s *ValkeyStore) Close() error { return nil }

func wrapUnavailable(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

// do runs a single command on a fresh connection with bounded retries on
// transient network errors.
func (s *ValkeyStore) do(ctx context.Context, command string, args ...string) (respReply, error) {
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return respReply{}, ctx.Err()
		}
		vc, err := s.dial(ctx)
		if err == nil {
			err = s.authenticate(vc)
			if err == nil {
				var reply respReply
				writeErr := vc.writeCommand(command, args...)
				if writeErr == nil {
					reply, err = vc.readReply()
				} else {
					err = writeErr
				}
				vc.close()
				if err == nil {
					return reply, nil
				}
			} else {
				vc.close()
			}
		}
		lastErr = err
		if !retryable(err) || attempt == s.cfg.MaxRetries-1 {
			return respReply{}, err
		}
		time.Sleep(time.Duration(1<<attempt) * 25 * time.Millisecond)
	}
	return respReply{}, lastErr
}

func retryable(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (s *ValkeyStore) dial(ctx context.Context) (*valkeyConn, error) {
	dialer := net.Dialer{Timeout: s.cfg.DialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if s.cfg.TLS {
		host, _, splitErr := net.SplitHostPort(s.cfg.Addr)
		if splitErr != nil {
			host = s.cfg.Addr
		}
		conn, err = tls.DialWithDialer(&dialer, "tcp", s.cfg.Addr, &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: host,
		})
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", s.cfg.Addr)
	}
	if err != nil {
		return nil, err
	}
	return &valkeyConn{
		conn:         conn,
		reader:       bufio.NewReader(conn),
		writer:       bufio.NewWriter(conn),
		readTimeout:  s.cfg.ReadTimeout,
		writeTimeout: s.cfg.WriteTimeout,
	}, nil
}

func (s *ValkeyStore) authenticate(vc *valkeyConn) error {
	if s.cfg.Password != "" {
		parts := []string{"AUTH"}
		if s.cfg.Username != "" {
			parts = append(parts, s.cfg.Username)
		}
		parts = append(parts, s.cfg.Password)
		if err := vc.writeCommand(parts[0], parts[1:]...); err != nil {
			return err
		}
		reply, err := vc.readReply()
		if err != nil {
			return err
		}
		if reply.typ != replySimpleString || !strings.EqualFold(string(reply.data), "OK") {
			return fmt.Errorf("auth failed: %s", reply.data)
		}
	}
	if s.cfg.DB > 0 {
		if err := vc.writeCommand("SELECT", strconv.Itoa(s.cfg.DB)); err != nil {
			return err
		}
		reply, err := vc.readReply()
		if err != nil {
			return err
		}
		if reply.typ != replySimpleString || !strings.EqualFold(string(reply.data), "OK") {
			return fmt.Errorf("select failed: %s", reply.data)
		}
	}
	return nil
}

// replyType enumerates the RESP reply kinds the store consumes.
type replyType string

const (
	replySimpleString replyType = "+"
	replyBulkString   replyType = "$"
	replyInteger      replyType = ":"
	replyNil          replyType = "_"
	replyArray        replyType = "*"
)

type respReply struct {
	typ   replyType
	data  []byte
	elems []respReply
}

// valkeyConn wraps a network connection with RESP read/write helpers.
type valkeyConn struct {
	conn         net.Conn
	reader       *bufio.Reader
	writer       *bufio.Writer
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (vc *valkeyConn) close() { _ = vc.conn.Close() }

func (vc *valkeyConn) writeCommand(command string, args ...string) error {
	if err := vc.conn.SetWriteDeadline(time.Now().Add(vc.writeTimeout)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(vc.writer, "*%d\r\n", len(args)+1); err != nil {
		return err
	}
	if err := vc.writeBulk(command); err != nil {
		return err
	}
	for _, arg := range args {
		if err := vc.writeBulk(arg); err != nil {
			return err
		}
	}
	return vc.writer.Flush()
}

func (vc *valkeyConn) writeBulk(part string) error {
	if _, err := fmt.Fprintf(vc.writer, "$%d\r\n", len(part)); err != nil {
		return err
	}
	if _, err := vc.writer.WriteString(part); err != nil {
		return err
	}
	_, err := vc.writer.WriteString("\r\n")
	return err
}

func (vc *valkeyConn) readReply() (respReply, error) {
	if err := vc.conn.SetReadDeadline(time.Now().Add(vc.readTimeout)); err != nil {
		return respReply{}, err
	}
	return vc.readValue()
}

func (vc *valkeyConn) readValue() (respReply, error) {
	prefix, err := vc.reader.ReadByte()
	if err != nil {
		return respReply{}, err
	}
	switch prefix {
	case '+':
		line, err := vc.readLine()
		return respReply{typ: replySimpleString, data: line}, err
	case '-':
		line, err := vc.readLine()
		if err != nil {
			return respReply{}, err
		}
		return respReply{}, errors.New(string(line))
	case ':':
		line, err := vc.readLine()
		return respReply{typ: replyInteger, data: line}, err
	case '$':
		line, err := vc.readLine()
		if err != nil {
			return respReply{}, err
		}
		size, err := strconv.Atoi(string(line))
		if err != nil {
			return respReply{}, err
		}
		if size < 0 {
			return respReply{typ: replyNil}, nil
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(vc.reader, buf); err != nil {
			return respReply{}, err
		}
		if buf[size] != '\r' || buf[size+1] != '\n' {
			return respReply{}, fmt.Errorf("invalid bulk string termination")
		}
		return respReply{typ: replyBulkString, data: buf[:size]}, nil
	case '*':
		line, err := vc.readLine()
		if err != nil {
			return respReply{}, err
		}
		count, err := strconv.Atoi(string(line))
		if err != nil {
			return respReply{}, err
		}
		if count < 0 {
			return respReply{typ: replyNil}, nil
		}
		elems := make([]respReply, 0, count)
		for i := 0; i < count; i++ {
			elem, err := vc.readValue()
			if err != nil {
				return respReply{}, err
			}
			elems = append(elems, elem)
		}
		return respReply{typ: replyArray, elems: elems}, nil
	default:
		return respReply{}, fmt.Errorf("unexpected RESP prefix %q", prefix)
	}
}

func (vc *valkeyConn) readLine() ([]byte, error) {
	line, err := vc.reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return []byte(line), nil
}

// decodeStreamEntries turns an XRANGE/XREVRANGE reply into fingerprints.
// Each entry is [id, [field, value, ...]]; the sequence id is the id's
// millisecond part, written by AppendFingerprint.
func decodeStreamEntries(reply respReply) ([]models.Fingerprint, error) {
	if reply.typ == replyNil {
		return nil, nil
	}
	if reply.typ != replyArray {
		return nil, fmt.Errorf("unexpected stream reply type %q", reply.typ)
	}
	out := make([]models.Fingerprint, 0, len(reply.elems))
	for _, entry := range reply.elems {
		if entry.typ != replyArray || len(entry.elems) != 2 {
			return nil, fmt.Errorf("malformed stream entry")
		}
		id := string(entry.elems[0].data)
		seqPart := id
		if dash := strings.IndexByte(id, '-'); dash >= 0 {
			seqPart = id[:dash]
		}
		seq, err := strconv.ParseUint(seqPart, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse stream id %q: %w", id, err)
		}

		fp := models.Fingerprint{SequenceID: seq}
		fields := entry.elems[1]
		if fields.typ != replyArray {
			return nil, fmt.Errorf("malformed stream entry fields")
		}
		for i := 0; i+1 < len(fields.elems); i += 2 {
			name := string(fields.elems[i].data)
			value := string(fields.elems[i+1].data)
			switch name {
			case "ts":
				ms, err := strconv.ParseInt(value, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("parse fingerprint timestamp: %w", err)
				}
				fp.Timestamp = time.UnixMilli(ms).UTC()
			case "data":
				vec, err := decodeVector(value)
				if err != nil {
					return nil, err
				}
				fp.Vector = vec
			}
		}
		out = append(out, fp)
	}
	return out, nil
}

// encodeVector renders the vector in the log's established bracketed CSV
// form, e.g. "[0.5,0.25,0.25]".
func encodeVector(vec []float64) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
	}
	sb.WriteByte(']')
	return sb.String()
}

func decodeVector(raw string) ([]float64, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "[")
	raw = strings.TrimSuffix(raw, "]")
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	vec := make([]float64, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, fmt.Errorf("parse fingerprint vector: %w", err)
		}
		vec = append(vec, v)
	}
	return vec, nil
}
