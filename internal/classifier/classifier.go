// Package classifier implements §4.1: constant-time address classification
// into {exchange, foundation, node_operator, unknown}, backed by an
// immutable exchange/foundation set loaded once at startup and a
// node-operator set that is replaced atomically on each successful
// refresh. Grounded on the teacher's ownership-handoff idiom in
// common/cache.go (config-driven construction) and node/service.go
// (pkg/errors wrapping at package boundaries).
package classifier

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/2ndtlmining/fluxflow/internal/logging"
)

// AddressType is the classification result of §3.
type AddressType string

const (
	TypeExchange     AddressType = "exchange"
	TypeFoundation   AddressType = "foundation"
	TypeNodeOperator AddressType = "node_operator"
	TypeUnknown      AddressType = "unknown"
)

// Tiers mirrors the CUMULUS/NIMBUS/STRATUS node-count breakdown of §4.1.
type Tiers struct {
	Cumulus int `json:"CUMULUS"`
	Nimbus  int `json:"NIMBUS"`
	Stratus int `json:"STRATUS"`
}

// Classification is the {type, details} pair returned by Classify.
type Classification struct {
	Type    AddressType
	Details json.RawMessage
}

type exchangeDetail struct {
	Name string `json:"name"`
	Logo string `json:"logo"`
}

type nodeOperatorDetail struct {
	NodeCount int   `json:"node_count"`
	Tiers     Tiers `json:"tiers"`
}

// exchangeEntry/foundationEntry are the static, immutable config-file
// records loaded once at startup.
type exchangeEntry struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Logo    string `json:"logo"`
}

type foundationEntry struct {
	Address string `json:"address"`
}

// nodeRecord is one record from the node operator registry (§6).
type nodeRecord struct {
	PaymentAddress string `json:"payment_address"`
	Tier           string `json:"tier"`
	Collateral     string `json:"collateral"`
}

// registryResponse probes two of the three known response shapes of §6;
// the third (a bare array) is probed separately in decodeRegistry.
type registryResponse struct {
	FluxNodesUpper []nodeRecord `json:"FluxNodes"`
	FluxNodesLower []nodeRecord `json:"fluxNodes"`
}

type operatorEntry struct {
	detail nodeOperatorDetail
}

// NodeCount reports the operator's total node count across tiers.
func (o operatorEntry) NodeCount() int { return o.detail.NodeCount }

// Tiers reports the operator's CUMULUS/NIMBUS/STRATUS breakdown.
func (o operatorEntry) Tiers() Tiers { return o.detail.Tiers }

// OperatorInfo is the read surface CurrentOperator exposes to callers
// outside this package. operatorEntry stays unexported; callers that need
// to hold a match past the call (e.g. to cache it behind an interface{})
// go through this interface instead of the concrete type.
type OperatorInfo interface {
	NodeCount() int
	Tiers() Tiers
}

// operatorSnapshot is the atomically-swapped node-operator set of §9.
type operatorSnapshot struct {
	byAddress map[string]operatorEntry
	loadedAt  time.Time
}

// HTTPDoer abstracts the outbound call so tests can stub the registry.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Classifier maps an address to its classification. Exchange and
// foundation sets are immutable after construction; the node-operator set
// is replaced wholesale by RefreshNodeOperators, never merged in place.
type Classifier struct {
	exchangeByAddress   map[string]exchangeEntry
	foundationByAddress map[string]struct{}

	snapshot atomic.Value // holds *operatorSnapshot

	registryURL string
	staleAfter  time.Duration
	httpClient  HTTPDoer

	mu sync.Mutex // serializes RefreshNodeOperators callers; readers never block

	log zerolog.Logger
}

// New constructs a Classifier from the static exchange/foundation config
// file at path (§4.1: "loaded once at startup ... immutable thereafter").
func New(exchangeFoundationListPath, registryURL string, staleAfter time.Duration, client HTTPDoer) (*Classifier, error) {
	if client == nil {
		client = http.DefaultClient
	}
	c := &Classifier{
		exchangeByAddress:   map[string]exchangeEntry{},
		foundationByAddress: map[string]struct{}{},
		registryURL:         registryURL,
		staleAfter:          staleAfter,
		httpClient:          client,
		log:                 logging.NewModuleLogger("classifier"),
	}
	c.snapshot.Store(&operatorSnapshot{byAddress: map[string]operatorEntry{}})

	if exchangeFoundationListPath == "" {
		return c, nil
	}
	raw, err := os.ReadFile(exchangeFoundationListPath)
	if err != nil {
		return nil, errors.Wrap(err, "classifier: reading exchange/foundation list")
	}
	var file struct {
		Exchanges   []exchangeEntry   `json:"exchanges"`
		Foundations []foundationEntry `json:"foundations"`
	}
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, errors.Wrap(err, "classifier: parsing exchange/foundation list")
	}
	for _, e := range file.Exchanges {
		c.exchangeByAddress[e.Address] = e
	}
	for _, f := range file.Foundations {
		c.foundationByAddress[f.Address] = struct{}{}
	}
	return c, nil
}

// Classify evaluates address in the priority order of §4.1: exchange,
// then foundation, then node_operator, then unknown.
func (c *Classifier) Classify(address string) Classification {
	if e, ok := c.exchangeByAddress[address]; ok {
		detail, _ := json.Marshal(exchangeDetail{Name: e.Name, Logo: e.Logo})
		return Classification{Type: TypeExchange, Details: detail}
	}
	if _, ok := c.foundationByAddress[address]; ok {
		return Classification{Type: TypeFoundation, Details: nil}
	}
	if op, ok := c.CurrentOperator(address); ok {
		detail, _ := json.Marshal(nodeOperatorDetail{NodeCount: op.NodeCount(), Tiers: op.Tiers()})
		return Classification{Type: TypeNodeOperator, Details: detail}
	}
	return Classification{Type: TypeUnknown, Details: nil}
}

// CurrentOperator reports whether address is a node operator under the
// currently-active snapshot, without allocating a Classification.
func (c *Classifier) CurrentOperator(address string) (OperatorInfo, bool) {
	snap := c.snapshot.Load().(*operatorSnapshot)
	op, ok := snap.byAddress[address]
	if !ok {
		return nil, false
	}
	return op, true
}

// Stale reports whether the node-operator snapshot is older than
// staleAfter, per the Engine's "trigger a refresh when staleness exceeds
// ten minutes" contract.
func (c *Classifier) Stale() bool {
	snap := c.snapshot.Load().(*operatorSnapshot)
	return time.Since(snap.loadedAt) > c.staleAfter
}

// RefreshNodeOperators fetches the registry, groups records by
// payment_address, counts nodes per tier, and atomically swaps the
// snapshot in on success. On failure it logs and fails open, keeping the
// previous snapshot untouched (§4.1).
func (c *Classifier) RefreshNodeOperators() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, err := http.NewRequest(http.MethodGet, c.registryURL, nil)
	if err != nil {
		c.log.Error().Err(err).Msg("refresh_node_operators: building request failed")
		return errors.Wrap(err, "classifier: building registry request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Error().Err(err).Msg("refresh_node_operators: request failed, keeping previous snapshot")
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.log.Error().Int("status", resp.StatusCode).Msg("refresh_node_operators: non-200, keeping previous snapshot")
		return nil
	}

	records, err := decodeRegistry(resp.Body)
	if err != nil {
		c.log.Error().Err(err).Msg("refresh_node_operators: decode failed, keeping previous snapshot")
		return nil
	}

	byAddress := make(map[string]map[string]int, len(records))
	for _, r := range records {
		if r.PaymentAddress == "" {
			continue
		}
		tiers, ok := byAddress[r.PaymentAddress]
		if !ok {
			tiers = map[string]int{}
			byAddress[r.PaymentAddress] = tiers
		}
		tiers[r.Tier]++
	}

	next := &operatorSnapshot{
		byAddress: make(map[string]operatorEntry, len(byAddress)),
		loadedAt:  time.Now(),
	}
	for addr, tiers := range byAddress {
		nodeCount := 0
		for _, n := range tiers {
			nodeCount += n
		}
		next.byAddress[addr] = operatorEntry{detail: nodeOperatorDetail{
			NodeCount: nodeCount,
			Tiers: Tiers{
				Cumulus: tiers["CUMULUS"],
				Nimbus:  tiers["NIMBUS"],
				Stratus: tiers["STRATUS"],
			},
		}}
	}

	c.snapshot.Store(next)
	c.log.Info().Int("operators", len(next.byAddress)).Msg("refresh_node_operators: snapshot replaced")
	return nil
}

// decodeRegistry probes all three known response shapes of §6: an object
// keyed "FluxNodes", one keyed "fluxNodes", or a bare array.
func decodeRegistry(body io.Reader) ([]nodeRecord, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	var wrapped registryResponse
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		if len(wrapped.FluxNodesUpper) > 0 {
			return wrapped.FluxNodesUpper, nil
		}
		if len(wrapped.FluxNodesLower) > 0 {
			return wrapped.FluxNodesLower, nil
		}
	}
	var bare []nodeRecord
	if err := json.Unmarshal(raw, &bare); err == nil {
		return bare, nil
	}
	return nil, errors.New("classifier: unrecognized node registry response shape")
}
