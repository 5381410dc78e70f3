package discovery

import (
	"fmt"
	"net"
	"strings"

	"golang.org/x/net/dns/dnsmessage"
)

// maxPacket is the largest mDNS message we build or read.
const maxPacket = 9000

// cacheFlush is the mDNS cache-flush bit carried in the class field of
// unique records.
const cacheFlush = 0x8000

// TXT keys published with every announcement.
const (
	txtDeviceName  = "device_name"
	txtDirectory   = "current_directory"
	txtEnvironment = "environment"
	txtID          = "id"
)

// record is everything one node publishes.
type record struct {
	instance string // "<label>.<service>"
	host     string // "<label>.local."
	ip       net.IP
	port     int
	txt      map[string]string
}

// entry is a service instance read from a response.
type entry struct {
	instance string
	ttl      uint32
	port     int
	host     string
	ip       net.IP
	txt      map[string]string
}

// packet is the part of an mDNS message we act on.
type packet struct {
	response bool
	// asked is set on queries that ask for our service type.
	asked   bool
	entries []entry
}

// instanceLabel turns a service name into a single DNS label.
func instanceLabel(s string) string {
	s = strings.NewReplacer(".", "_", " ", "_").Replace(strings.TrimSpace(s))
	if s == "" {
		s = "lansync"
	}
	if len(s) > 63 {
		s = s[:63]
	}
	return s
}

func newName(s string) (dnsmessage.Name, error) {
	if !strings.HasSuffix(s, ".") {
		s += "."
	}
	return dnsmessage.NewName(s)
}

// buildQuery creates a PTR question for service.
func buildQuery(service string) ([]byte, error) {
	name, err := newName(service)
	if err != nil {
		return nil, err
	}
	b := dnsmessage.NewBuilder(make([]byte, 0, 512), dnsmessage.Header{})
	b.EnableCompression()
	if err := b.StartQuestions(); err != nil {
		return nil, err
	}
	if err := b.Question(dnsmessage.Question{Name: name, Type: dnsmessage.TypePTR, Class: dnsmessage.ClassINET}); err != nil {
		return nil, err
	}
	return b.Finish()
}

// buildResponse creates an announcement of rec with the given TTL. A TTL of
// zero is a goodbye.
func buildResponse(service string, rec record, ttl uint32) ([]byte, error) {
	svcName, err := newName(service)
	if err != nil {
		return nil, err
	}
	instName, err := newName(rec.instance)
	if err != nil {
		return nil, err
	}
	hostName, err := newName(rec.host)
	if err != nil {
		return nil, err
	}
	ip4 := rec.ip.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("announcement address %v is not IPv4", rec.ip)
	}

	b := dnsmessage.NewBuilder(make([]byte, 0, 1024), dnsmessage.Header{Response: true, Authoritative: true})
	b.EnableCompression()
	if err := b.StartAnswers(); err != nil {
		return nil, err
	}

	shared := dnsmessage.ResourceHeader{Name: svcName, Class: dnsmessage.ClassINET, TTL: ttl}
	if err := b.PTRResource(shared, dnsmessage.PTRResource{PTR: instName}); err != nil {
		return nil, fmt.Errorf("PTR: %w", err)
	}

	unique := dnsmessage.ResourceHeader{Name: instName, Class: dnsmessage.ClassINET | cacheFlush, TTL: ttl}
	if err := b.SRVResource(unique, dnsmessage.SRVResource{Port: uint16(rec.port), Target: hostName}); err != nil {
		return nil, fmt.Errorf("SRV: %w", err)
	}
	if err := b.TXTResource(unique, dnsmessage.TXTResource{TXT: encodeTXT(rec.txt)}); err != nil {
		return nil, fmt.Errorf("TXT: %w", err)
	}

	var a [4]byte
	copy(a[:], ip4)
	hostHdr := dnsmessage.ResourceHeader{Name: hostName, Class: dnsmessage.ClassINET | cacheFlush, TTL: ttl}
	if err := b.AResource(hostHdr, dnsmessage.AResource{A: a}); err != nil {
		return nil, fmt.Errorf("A: %w", err)
	}
	return b.Finish()
}

// encodeTXT renders key=value strings in a stable order, each cut to the
// 255 byte limit of a TXT string.
func encodeTXT(kv map[string]string) []string {
	out := make([]string, 0, len(kv))
	for _, k := range []string{txtDeviceName, txtDirectory, txtEnvironment, txtID} {
		v, ok := kv[k]
		if !ok {
			continue
		}
		s := k + "=" + v
		if len(s) > 255 {
			s = s[:255]
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		out = append(out, "")
	}
	return out
}

func decodeTXT(txt []string) map[string]string {
	kv := make(map[string]string, len(txt))
	for _, s := range txt {
		k, v, ok := strings.Cut(s, "=")
		if !ok || k == "" {
			continue
		}
		kv[strings.ToLower(k)] = v
	}
	return kv
}

// parsePacket decodes an mDNS message and extracts the instances of service
// it announces, or whether it asks for service.
func parsePacket(data []byte, service string) (*packet, error) {
	var p dnsmessage.Parser
	h, err := p.Start(data)
	if err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}
	questions, err := p.AllQuestions()
	if err != nil {
		return nil, fmt.Errorf("parse questions: %w", err)
	}

	pkt := &packet{response: h.Response}
	if !h.Response {
		for _, q := range questions {
			if (q.Type == dnsmessage.TypePTR || q.Type == dnsmessage.TypeALL) && sameName(q.Name.String(), service) {
				pkt.asked = true
			}
		}
		return pkt, nil
	}

	answers, err := p.AllAnswers()
	if err != nil {
		return nil, fmt.Errorf("parse answers: %w", err)
	}
	if err := p.SkipAllAuthorities(); err != nil {
		return nil, fmt.Errorf("skip authorities: %w", err)
	}
	additionals, err := p.AllAdditionals()
	if err != nil {
		return nil, fmt.Errorf("parse additionals: %w", err)
	}

	type srv struct {
		port int
		host string
	}
	var ptrs []entry
	srvs := make(map[string]srv)
	txts := make(map[string]map[string]string)
	addrs := make(map[string]net.IP)

	for _, rr := range append(answers, additionals...) {
		name := strings.ToLower(rr.Header.Name.String())
		switch body := rr.Body.(type) {
		case *dnsmessage.PTRResource:
			if sameName(name, service) {
				ptrs = append(ptrs, entry{instance: body.PTR.String(), ttl: rr.Header.TTL})
			}
		case *dnsmessage.SRVResource:
			srvs[name] = srv{port: int(body.Port), host: body.Target.String()}
		case *dnsmessage.TXTResource:
			txts[name] = decodeTXT(body.TXT)
		case *dnsmessage.AResource:
			addrs[name] = net.IPv4(body.A[0], body.A[1], body.A[2], body.A[3])
		}
	}

	for _, e := range ptrs {
		key := strings.ToLower(e.instance)
		if s, ok := srvs[key]; ok {
			e.port = s.port
			e.host = s.host
			e.ip = addrs[strings.ToLower(s.host)]
		}
		e.txt = txts[key]
		pkt.entries = append(pkt.entries, e)
	}
	return pkt, nil
}

func sameName(a, b string) bool {
	return strings.EqualFold(strings.TrimSuffix(a, "."), strings.TrimSuffix(b, "."))
}

// instanceShortName returns the first label of an instance name.
func instanceShortName(instance string) string {
	label, _, _ := strings.Cut(instance, ".")
	return label
}
