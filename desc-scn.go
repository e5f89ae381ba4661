package manet

// desc-scn.go holds the scenario descriptor: the scenario-wide options of an
// experiment together with a list of parameter overrides for the wifi
// devices, the routing protocol and the ping apps.  A descriptor is written
// and read as yaml or json, selected by the file's extension.

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// An ExpParameter struct describes an input to experiment configuration at run-time. It specifies
//   - ParamObj identifies the kind of thing being configured : Wifi, Dsdv, Olsr, or Ping
//   - Attribute identifies the objects of that type the parameter applies to.
//     Every node of a scenario is configured alike, so the only attribute is "*"
type ExpParameter struct {
	// Type of thing being configured
	ParamObj string `json:"paramObj" yaml:"paramObj"`

	// attribute identifier for this parameter
	Attribute string `json:"attribute" yaml:"attribute"`

	// ParameterType, e.g., "DataMode", "HelloInterval", "Interval"
	Param string `json:"param" yaml:"param"`

	// string-encoded value associated with type
	Value string `json:"value" yaml:"value"`
}

// CreateExpParameter is a constructor.  Completely fills in the struct with the [ExpParameter] attributes.
func CreateExpParameter(paramObj, attribute, param, value string) *ExpParameter {
	exptr := &ExpParameter{ParamObj: paramObj, Attribute: attribute, Param: param, Value: value}

	return exptr
}

// ScenarioDesc is the serializable form of an experiment's configuration
type ScenarioDesc struct {
	ExpParams `yaml:",inline"`

	// Parameters is a list of all the [ExpParameter] objects presented to the simulator for an experiment.
	Parameters []ExpParameter `json:"parameters" yaml:"parameters"`
}

// CreateScenarioDesc is a constructor.  The scenario options start at their defaults
func CreateScenarioDesc(name string) *ScenarioDesc {
	sd := &ScenarioDesc{ExpParams: DefaultExpParams(), Parameters: make([]ExpParameter, 0)}
	sd.ExpName = name
	return sd
}

// AddParameter accepts the four values in an ExpParameter, creates one, and adds to the descriptor's list.
// Returns an error if the parameters are not validated.
func (sd *ScenarioDesc) AddParameter(paramObj, attribute, param, value string) error {
	err := ValidateParameter(paramObj, attribute, param)
	if err != nil {
		return err
	}
	excp := CreateExpParameter(paramObj, attribute, param, value)
	sd.Parameters = append(sd.Parameters, *excp)
	return nil
}

// WriteToFile stores the ScenarioDesc struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (sd *ScenarioDesc) WriteToFile(filename string) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error = nil

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*sd)
	} else if pathExt == ".json" || pathExt == ".JSON" {
		bytes, merr = json.MarshalIndent(*sd, "", "\t")
	} else {
		return fmt.Errorf("scenario file %s needs a .yaml, .yml or .json extension", filename)
	}

	if merr != nil {
		return merr
	}

	return os.WriteFile(filename, bytes, 0o644)
}

// useYAMLFor reports whether a file is yaml by its extension; anything else is taken as json
func useYAMLFor(filename string) bool {
	ext := strings.ToLower(path.Ext(filename))
	return ext == ".yaml" || ext == ".yml"
}

// ReadScenarioDesc deserializes a byte slice holding a representation of a ScenarioDesc struct.
// If the input argument of dict (those bytes) is empty, the file whose name is given is read
// to acquire them.  Options the representation leaves out keep their defaults.
func ReadScenarioDesc(filename string, useYAML bool, dict []byte) (*ScenarioDesc, error) {
	var err error
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("reading scenario: %w", err)
		}
	}

	example := CreateScenarioDesc("")
	if useYAML {
		err = yaml.Unmarshal(dict, example)
	} else {
		err = json.Unmarshal(dict, example)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding scenario %s: %w", filename, err)
	}

	errs := make([]error, 0)
	for _, param := range example.Parameters {
		errs = append(errs, ValidateParameter(param.ParamObj, param.Attribute, param.Param))
	}
	if err := ReportErrs(errs); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", filename, err)
	}

	return example, nil
}

// ExpParamObjs and ExpParamTypes hold descriptions of the types of objects
// that are initialized by a scenario file, and the parameter types defined for each object type
var ExpParamObjs []string
var ExpParamTypes map[string][]string

// GetExpParamDesc returns ExpParamObjs and ExpParamTypes after ensuring that they have been built
func GetExpParamDesc() ([]string, map[string][]string) {
	if ExpParamObjs == nil {
		ExpParamObjs = []string{"Wifi", "Dsdv", "Olsr", "Ping"}
		ExpParamTypes = make(map[string][]string)
		ExpParamTypes["Wifi"] = []string{"DataMode", "RtsCtsThreshold", "RxNoiseFigure",
			"EnergyDetectionThreshold", "CcaMode1Threshold"}
		ExpParamTypes["Dsdv"] = []string{"PeriodicUpdateInterval", "SettlingTime", "MaxQueueLen",
			"MaxQueuedPacketsPerDst", "MaxQueueTime", "EnableBuffering", "EnableWST", "Holdtimes",
			"WeightedFactor", "EnableRouteAggregation", "RouteAggregationTime"}
		ExpParamTypes["Olsr"] = []string{"HelloInterval", "TcInterval", "Willingness", "DupHoldTime"}
		ExpParamTypes["Ping"] = []string{"Interval", "Size", "Verbose", "IntervalDist"}
	}

	return ExpParamObjs, ExpParamTypes
}

// ValidateParameter returns an error if the paramObj, attribute, and param values don't
// make sense taken together within an ExpParameter.
func ValidateParameter(paramObj, attribute, param string) error {
	GetExpParamDesc()

	// the paramObj string has to be recognized as one of the permitted ones (stored in list ExpParamObjs)
	if !slices.Contains(ExpParamObjs, paramObj) {
		return fmt.Errorf("parameter paramObj %s is not recognized", paramObj)
	}

	if attribute != "*" {
		return fmt.Errorf("parameter attribute %s for paramObj %s must be *", attribute, paramObj)
	}

	if !slices.Contains(ExpParamTypes[paramObj], param) {
		return fmt.Errorf("parameter %s is not recognized for paramObj %s", param, paramObj)
	}

	return nil
}

// ReportErrs transforms a list of errors and transforms the non-nil ones into a single error
// with comma-separated report of all the constituent errors, and returns it.
func ReportErrs(errs []error) error {
	errMsg := make([]string, 0)
	for _, err := range errs {
		if err != nil {
			errMsg = append(errMsg, err.Error())
		}
	}
	if len(errMsg) == 0 {
		return nil
	}

	return errors.New(strings.Join(errMsg, ","))
}

// CheckReadableFiles checks the file system to ensure that every
// one of the argument filenames exists and is readable
func CheckReadableFiles(names []string) (bool, error) {
	return CheckFiles(names, true)
}

// CheckOutputFiles checks the file system to ensure that every
// argument filename can be written.
func CheckOutputFiles(names []string) (bool, error) {
	return CheckFiles(names, false)
}

// CheckFiles checks the file system for permitted access to all the
// argument filenames, optionally checking also for the existence
// of those files for the purposes of reading them.
func CheckFiles(names []string, checkExistence bool) (bool, error) {
	errs := make([]error, 0)

	for _, name := range names {
		// skip unnamed files
		if len(name) == 0 {
			continue
		}

		// split off the directory portion of the path
		directory, _ := filepath.Split(name)
		if directory == "" {
			continue
		}
		if _, err := os.Stat(directory); err != nil {
			errs = append(errs, err)
		}
	}

	if checkExistence {
		for _, name := range names {
			if len(name) == 0 {
				continue
			}
			if _, err := os.Stat(name); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if rtnerr := ReportErrs(errs); rtnerr != nil {
		return false, rtnerr
	}
	return true, nil
}
