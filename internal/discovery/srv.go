// Package discovery implements bootstrap peer discovery over DNS SRV
// records, used to seed the very first outbound connection for a net
// when no topology has been learned yet. This never substitutes for
// the broadcast-learned topology; it only proposes initial dial
// targets.
package discovery

import (
	"context"
	"fmt"
	"sort"

	"github.com/miekg/dns"
)

// Target is one candidate meta-connect endpoint.
type Target struct {
	Host string
	Port uint16
}

// Resolver looks up bootstrap targets for a net over DNS SRV, querying
// "_tinc._tcp.<netname>.<domain>".
type Resolver struct {
	client     *dns.Client
	nameserver string
}

// NewResolver builds a Resolver that queries nameserver (host:port)
// directly, bypassing the system resolver so lookups are always
// explicit about where they go.
func NewResolver(nameserver string) *Resolver {
	return &Resolver{client: new(dns.Client), nameserver: nameserver}
}

// Lookup resolves "_tinc._tcp.<netName>.<domain>." to a set of
// candidate (host, port) targets, sorted by SRV priority then weight,
// the natural meaning of an SRV RRset for a redundant service.
func (r *Resolver) Lookup(ctx context.Context, netName, domain string) ([]Target, error) {
	qname := fmt.Sprintf("_tinc._tcp.%s.%s.", netName, domain)

	msg := new(dns.Msg)
	msg.SetQuestion(qname, dns.TypeSRV)
	msg.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, msg, r.nameserver)
	if err != nil {
		return nil, err
	}

	return targetsFromAnswer(in.Answer), nil
}

// targetsFromAnswer extracts SRV records from answer and orders them
// by ascending priority then descending weight, matching RFC 2782's
// selection guidance well enough for a bootstrap list (no
// weighted-random selection is done: cmd/tincd turns every candidate
// into a dial target and dials them all). Split out from
// Lookup so the ordering logic is testable without a live resolver.
func targetsFromAnswer(answer []dns.RR) []Target {
	type scored struct {
		target   Target
		priority uint16
		weight   uint16
	}

	var all []scored
	for _, rr := range answer {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}
		all = append(all, scored{
			target:   Target{Host: srv.Target, Port: srv.Port},
			priority: srv.Priority,
			weight:   srv.Weight,
		})
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].priority != all[j].priority {
			return all[i].priority < all[j].priority
		}
		return all[i].weight > all[j].weight
	})

	targets := make([]Target, len(all))
	for i, s := range all {
		targets[i] = s.target
	}
	return targets
}
