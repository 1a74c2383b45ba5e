package fabsim

// desc-topo.go holds the serializable descriptions of a network
// configuration and of the external graph descriptors, their
// readers/writers, and the builder that assembles a topology from a
// validated configuration.
//
// To most easily serialize and deserialize the structures involved
// in describing a simulation model, every Desc struct here is fully
// instantiated, with no pointers into run-time state; readers select
// json or yaml by file extension.

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ReportErrs combines a list of errors into one, dropping nils
func ReportErrs(errs []error) error {
	msgs := []string{}
	for _, err := range errs {
		if err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return errors.New(strings.Join(msgs, "\n"))
}

// useYAMLExt reports whether the file name selects yaml encoding
func useYAMLExt(filename string) bool {
	ext := path.Ext(filename)
	return ext == ".yaml" || ext == ".YAML" || ext == ".yml"
}

// A NetworkCfg is the serializable description of a network: one
// entry per dimension in each list
type NetworkCfg struct {
	// per-dim topology kind: Ring, FullyConnected, Switch,
	// ExpanderGraph, SwitchOrExpander, FatTree, EpExpander
	Topology []string `json:"topology" yaml:"topology"`

	// NPU count per dimension; 1 means no communication on that dim
	NpusCount []int `json:"npus_count" yaml:"npus_count"`

	// per-dim link bandwidth in GB/s
	Bandwidth []Bandwidth `json:"bandwidth" yaml:"bandwidth"`

	// per-dim link latency in ns
	Latency []Latency `json:"latency" yaml:"latency"`

	// per-dim external descriptor path; empty string means none
	InputFile []string `json:"inputfile,omitempty" yaml:"inputfile,omitempty"`

	// per-dim routing algorithm: ShortestPath|RandomTopK for
	// expanders, Deterministic|Random for fat trees
	RoutingAlgorithm []string `json:"routing_algorithm,omitempty" yaml:"routing_algorithm,omitempty"`

	// per-dim fat-tree radix, default 4
	FattreeRadix []int `json:"fattree_radix,omitempty" yaml:"fattree_radix,omitempty"`

	// presence of this key enables spare-node resiliency
	ResiliancyNpus any `json:"resiliancy_npus,omitempty" yaml:"resiliancy_npus,omitempty"`
}

// ReadNetworkCfg deserializes a byte slice holding a representation
// of a NetworkCfg struct.  If the dict argument is empty the named
// file is read to acquire the bytes
func ReadNetworkCfg(filename string, useYAML bool, dict []byte) (*NetworkCfg, error) {
	var err error

	if len(dict) == 0 {
		fileInfo, serr := os.Stat(filename)
		if os.IsNotExist(serr) || (serr == nil && fileInfo.IsDir()) {
			return nil, fmt.Errorf("network config %s does not exist or cannot be read", filename)
		}
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := NetworkCfg{}
	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}
	if err != nil {
		return nil, err
	}
	return &example, nil
}

// WriteToFile stores the NetworkCfg struct to the file whose name is
// given, serializing to json or yaml based on the extension
func (cfg *NetworkCfg) WriteToFile(filename string) error {
	var bytes []byte
	var merr error = nil

	if useYAMLExt(filename) {
		bytes, merr = yaml.Marshal(*cfg)
	} else {
		bytes, merr = json.MarshalIndent(*cfg, "", "\t")
	}
	if merr != nil {
		panic(merr)
	}

	f, cerr := os.Create(filename)
	if cerr != nil {
		panic(cerr)
	}
	_, werr := f.WriteString(string(bytes[:]))
	if werr != nil {
		panic(werr)
	}
	f.Close()
	return werr
}

// DimsCount returns the number of dimensions the configuration
// describes
func (cfg *NetworkCfg) DimsCount() int {
	return len(cfg.Topology)
}

// ResiliencyEnabled reports whether spare-node resiliency was
// requested; any present value enables it
func (cfg *NetworkCfg) ResiliencyEnabled() bool {
	return cfg.ResiliancyNpus != nil
}

// inputFileFor returns the external descriptor path of a dimension,
// empty when none was configured
func (cfg *NetworkCfg) inputFileFor(dim int) string {
	if dim < len(cfg.InputFile) {
		return cfg.InputFile[dim]
	}
	return ""
}

// routingAlgorithmFor returns the routing algorithm name of a
// dimension, empty when none was configured
func (cfg *NetworkCfg) routingAlgorithmFor(dim int) string {
	if dim < len(cfg.RoutingAlgorithm) {
		return cfg.RoutingAlgorithm[dim]
	}
	return ""
}

// fattreeRadixFor returns the fat-tree radix of a dimension,
// defaulting to 4
func (cfg *NetworkCfg) fattreeRadixFor(dim int) int {
	if dim < len(cfg.FattreeRadix) {
		return cfg.FattreeRadix[dim]
	}
	return 4
}

// Validate checks the configuration lists for coherence: matching
// lengths, known topology names, positive counts and bandwidths,
// non-negative latencies, and descriptor paths where required
func (cfg *NetworkCfg) Validate() error {
	errs := []error{}

	dims := cfg.DimsCount()
	if dims == 0 {
		errs = append(errs, fmt.Errorf("topology list is empty"))
	}
	if len(cfg.NpusCount) != dims {
		errs = append(errs, fmt.Errorf("length of npus_count (%d) doesn't match dimensions (%d)",
			len(cfg.NpusCount), dims))
	}
	if len(cfg.Bandwidth) != dims {
		errs = append(errs, fmt.Errorf("length of bandwidth (%d) doesn't match dimensions (%d)",
			len(cfg.Bandwidth), dims))
	}
	if len(cfg.Latency) != dims {
		errs = append(errs, fmt.Errorf("length of latency (%d) doesn't match dimensions (%d)",
			len(cfg.Latency), dims))
	}
	if err := ReportErrs(errs); err != nil {
		return err
	}

	for dim, name := range cfg.Topology {
		kind := topoBlockFromStr(name)
		if kind == unknownTopo {
			errs = append(errs, fmt.Errorf("topology name %q not supported", name))
			continue
		}
		switch kind {
		case expanderGraphTopo, epExpanderTopo:
			if cfg.inputFileFor(dim) == "" {
				errs = append(errs, fmt.Errorf("dimension %d (%s) requires an inputfile", dim, name))
			}
		}
	}

	for _, npus := range cfg.NpusCount {
		if npus < 1 {
			errs = append(errs, fmt.Errorf("npus_count (%d) should be at least 1", npus))
		}
	}
	for _, bw := range cfg.Bandwidth {
		if bw <= 0 {
			errs = append(errs, fmt.Errorf("bandwidth (%f) should be larger than 0", bw))
		}
	}
	for _, latency := range cfg.Latency {
		if latency < 0 {
			errs = append(errs, fmt.Errorf("latency (%d) should be non-negative", latency))
		}
	}

	return ReportErrs(errs)
}

// ExpanderGroups partitions a split expander descriptor into two
// disjoint halves
type ExpanderGroups struct {
	A []int `json:"A" yaml:"A"`
	B []int `json:"B" yaml:"B"`
}

// An ExpanderDesc is the serializable description of an expander
// graph: adjacency lists for the full graph and, optionally, for the
// split graph together with the node groups of its halves
type ExpanderDesc struct {
	NodeCount               int             `json:"node_count" yaml:"node_count"`
	Degree                  int             `json:"degree" yaml:"degree"`
	ConnectedGraphAdjacency [][]int         `json:"connected_graph_adjacency" yaml:"connected_graph_adjacency"`
	SplitGraphAdjacency     [][]int         `json:"split_graph_adjacency,omitempty" yaml:"split_graph_adjacency,omitempty"`
	Groups                  *ExpanderGroups `json:"groups,omitempty" yaml:"groups,omitempty"`
}

// ReadExpanderDesc deserializes an expander descriptor, reading the
// named file when the dict argument is empty
func ReadExpanderDesc(filename string, useYAML bool, dict []byte) (*ExpanderDesc, error) {
	var err error

	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := ExpanderDesc{}
	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}
	if err != nil {
		return nil, err
	}

	if example.NodeCount <= 0 {
		return nil, fmt.Errorf("expander descriptor declares non-positive node count %d", example.NodeCount)
	}
	for nodeId, nbrs := range example.ConnectedGraphAdjacency {
		for _, nbr := range nbrs {
			if nbr < 0 || nbr >= example.NodeCount {
				return nil, fmt.Errorf("adjacency of node %d references out-of-range node %d", nodeId, nbr)
			}
		}
	}
	return &example, nil
}

// EpMetadataDesc holds the metadata block of an EP route-table
// descriptor
type EpMetadataDesc struct {
	NodeCount int  `json:"node_count" yaml:"node_count"`
	Degree    int  `json:"degree" yaml:"degree"`
	EpNodes   *int `json:"ep_nodes,omitempty" yaml:"ep_nodes,omitempty"`
}

// EpRouteInfoDesc is the serializable form of one weighted route
// alternative
type EpRouteInfoDesc struct {
	Path   []int   `json:"path" yaml:"path"`
	Hops   int     `json:"hops" yaml:"hops"`
	Weight float64 `json:"weight" yaml:"weight"`
}

// An EpRouteDesc is the serializable description of an EP expander:
// metadata plus a route table keyed by stringified source and
// destination ids
type EpRouteDesc struct {
	Metadata EpMetadataDesc                          `json:"metadata" yaml:"metadata"`
	Routes   map[string]map[string][]EpRouteInfoDesc `json:"routes" yaml:"routes"`
}

// ReadEpRouteDesc deserializes an EP route-table descriptor, reading
// the named file when the dict argument is empty
func ReadEpRouteDesc(filename string, useYAML bool, dict []byte) (*EpRouteDesc, error) {
	var err error

	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := EpRouteDesc{}
	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}
	if err != nil {
		return nil, err
	}

	if example.Metadata.NodeCount <= 0 {
		return nil, fmt.Errorf("EP route table declares non-positive node count %d", example.Metadata.NodeCount)
	}
	if len(example.Routes) == 0 {
		return nil, fmt.Errorf("EP route table holds no routes")
	}
	return &example, nil
}

// epRoutePair is one (src,dst) entry of a typed route table
type epRoutePair struct {
	src   DeviceId
	dst   DeviceId
	infos []RouteInfo
}

// routePairs converts the string-keyed route table into typed form,
// ordered numerically by source then destination so that adjacency
// derivation is reproducible across runs
func (desc *EpRouteDesc) routePairs() []epRoutePair {
	srcKeys := make([]int, 0, len(desc.Routes))
	srcByKey := make(map[int]map[string][]EpRouteInfoDesc)
	for srcStr, dstMap := range desc.Routes {
		src, err := strconv.Atoi(srcStr)
		if err != nil {
			panic(fmt.Errorf("EP route table source key %q is not an integer", srcStr))
		}
		srcKeys = append(srcKeys, src)
		srcByKey[src] = dstMap
	}
	sort.Ints(srcKeys)

	pairs := []epRoutePair{}
	for _, src := range srcKeys {
		dstMap := srcByKey[src]
		dstKeys := make([]int, 0, len(dstMap))
		dstByKey := make(map[int][]EpRouteInfoDesc)
		for dstStr, infos := range dstMap {
			dst, err := strconv.Atoi(dstStr)
			if err != nil {
				panic(fmt.Errorf("EP route table destination key %q is not an integer", dstStr))
			}
			dstKeys = append(dstKeys, dst)
			dstByKey[dst] = infos
		}
		sort.Ints(dstKeys)

		for _, dst := range dstKeys {
			infos := make([]RouteInfo, 0, len(dstByKey[dst]))
			for _, info := range dstByKey[dst] {
				pathIds := make([]DeviceId, 0, len(info.Path))
				for _, id := range info.Path {
					pathIds = append(pathIds, DeviceId(id))
				}
				infos = append(infos, RouteInfo{Path: pathIds, Hops: info.Hops, Weight: info.Weight})
			}
			pairs = append(pairs, epRoutePair{src: DeviceId(src), dst: DeviceId(dst), infos: infos})
		}
	}
	return pairs
}

// buildDimTopology constructs the basic topology of one configured
// dimension
func buildDimTopology(cfg *NetworkCfg, dim int, evtQ *EventQueue,
	registry *MoeRoutingRegistry) (BasicTopology, error) {

	name := cfg.Topology[dim]
	npus := cfg.NpusCount[dim]
	bw := cfg.Bandwidth[dim]
	latency := cfg.Latency[dim]

	switch topoBlockFromStr(name) {
	case ringTopo:
		return CreateRing(evtQ, npus, bw, latency), nil

	case fullyConnectedTopo:
		return CreateFullyConnected(evtQ, npus, bw, latency), nil

	case switchTopo:
		return CreateSwitch(evtQ, npus, bw, latency), nil

	case fatTreeTopo:
		routing := fatTreeRoutingFromStr(cfg.routingAlgorithmFor(dim))
		return CreateFatTree(evtQ, npus, cfg.fattreeRadixFor(dim), bw, latency, routing), nil

	case expanderGraphTopo:
		inputFile := cfg.inputFileFor(dim)
		desc, err := ReadExpanderDesc(inputFile, useYAMLExt(inputFile), nil)
		if err != nil {
			return nil, fmt.Errorf("dimension %d expander descriptor: %w", dim, err)
		}
		routing := expanderRoutingFromStr(cfg.routingAlgorithmFor(dim))
		return CreateExpanderGraph(evtQ, npus, bw, latency, desc, routing, cfg.ResiliencyEnabled()), nil

	case switchOrExpanderTopo:
		var desc *ExpanderDesc
		inputFile := cfg.inputFileFor(dim)
		if inputFile != "" {
			var err error
			desc, err = ReadExpanderDesc(inputFile, useYAMLExt(inputFile), nil)
			if err != nil {
				return nil, fmt.Errorf("dimension %d expander descriptor: %w", dim, err)
			}
		}
		if registry == nil {
			registry = CreateMoeRoutingRegistry()
		}
		return CreateSwitchOrExpander(evtQ, npus, bw, latency, desc, registry, cfg.ResiliencyEnabled()), nil

	case epExpanderTopo:
		inputFile := cfg.inputFileFor(dim)
		desc, err := ReadEpRouteDesc(inputFile, useYAMLExt(inputFile), nil)
		if err != nil {
			return nil, fmt.Errorf("dimension %d EP route table: %w", dim, err)
		}
		return CreateEpExpanderTopology(evtQ, desc, bw, latency), nil
	}

	return nil, fmt.Errorf("topology name %q not supported", name)
}

// BuildTopology assembles the congestion-aware topology a validated
// configuration describes: the basic topology itself for one
// dimension, a MultiDimTopology stacking the per-dim topologies for
// several
func BuildTopology(cfg *NetworkCfg, evtQ *EventQueue, registry *MoeRoutingRegistry) (Topology, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dims := make([]BasicTopology, 0, cfg.DimsCount())
	for dim := 0; dim < cfg.DimsCount(); dim++ {
		topo, err := buildDimTopology(cfg, dim, evtQ, registry)
		if err != nil {
			return nil, err
		}
		dims = append(dims, topo)
	}

	if len(dims) == 1 {
		return dims[0], nil
	}

	mdt := CreateMultiDimTopology(evtQ)
	for _, topo := range dims {
		mdt.AppendDimension(topo)
	}
	return mdt, nil
}

// BuildPerfTopology assembles the congestion-unaware flavour of the
// configured network
func BuildPerfTopology(cfg *NetworkCfg, registry *MoeRoutingRegistry) (*PerfTopology, error) {
	evtQ := CreateEventQueue()
	topo, err := BuildTopology(cfg, evtQ, registry)
	if err != nil {
		return nil, err
	}
	return CreatePerfTopology(topo), nil
}
