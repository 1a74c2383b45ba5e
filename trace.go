package fabsim

// trace.go holds the trace manager, used to gather a record of chunk
// movement through the network for post-run analysis.

import (
	"encoding/json"
	"os"
	"path"

	"gopkg.in/yaml.v3"
)

// NameType is an entry in the dictionary created for a trace that
// maps object id numbers to a (name,type) pair
type NameType struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// A TraceRecord saves one visitation of a chunk to some point in the
// simulation
type TraceRecord struct {
	Time    EventTime `json:"time" yaml:"time"`
	ChunkId int       `json:"chunkid" yaml:"chunkid"`
	ObjId   int       `json:"objid" yaml:"objid"`
	Op      string    `json:"op" yaml:"op"`
}

// The TraceManager gathers information about an execution of a
// simulation model
type TraceManager struct {
	// experiment uses trace
	InUse bool `json:"inuse" yaml:"inuse"`

	// name of experiment
	ExpName string `json:"expname" yaml:"expname"`

	// text name associated with each object id
	NameById map[int]NameType `json:"namebyid" yaml:"namebyid"`

	// trace records, gathered per chunk
	Traces map[int][]TraceRecord `json:"traces" yaml:"traces"`
}

// CreateTraceManager is a constructor.  The active flag inhibits
// gathering when a trace is not wanted, while leaving the calls to
// its methods in place
func CreateTraceManager(expName string, active bool) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = expName
	tm.NameById = make(map[int]NameType)
	tm.Traces = make(map[int][]TraceRecord)
	return tm
}

// Active tells the caller whether the trace manager is being used
func (tm *TraceManager) Active() bool {
	return tm.InUse
}

// AddTrace creates a record of the trace from its arguments and
// stores it
func (tm *TraceManager) AddTrace(time EventTime, chunkId, objId int, op string) {
	if !tm.InUse {
		return
	}
	_, present := tm.Traces[chunkId]
	if !present {
		tm.Traces[chunkId] = make([]TraceRecord, 0)
	}
	tm.Traces[chunkId] = append(tm.Traces[chunkId],
		TraceRecord{Time: time, ChunkId: chunkId, ObjId: objId, Op: op})
}

// AddName adds an element to the id -> (name,type) dictionary for
// the trace file
func (tm *TraceManager) AddName(id int, name string, objDesc string) {
	if tm.InUse {
		tm.NameById[id] = NameType{Name: name, Type: objDesc}
	}
}

// WriteToFile stores the gathered traces to the named file.
// Serialization to json or to yaml is selected based on the
// extension of this name
func (tm *TraceManager) WriteToFile(filename string) bool {
	if !tm.InUse {
		return false
	}
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error = nil

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*tm)
	} else if pathExt == ".json" || pathExt == ".JSON" {
		bytes, merr = json.MarshalIndent(*tm, "", "\t")
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
	return true
}

// devTraceMgr is the trace manager the engine logs against; nil (or
// inactive) suppresses gathering
var devTraceMgr *TraceManager

// SetTraceManager installs the trace manager the engine logs chunk
// events against
func SetTraceManager(tm *TraceManager) {
	devTraceMgr = tm
}
