package constellation

import "fmt"

// State is a step of the detection state machine
type State int

// Detection states, in the order a successful run visits them
const (
	EstimatingMSP State = iota
	SearchingBaseLandmarks
	RefiningTransform
	SearchingExtendedLandmarks
	Finalizing
	Done
	Failed
)

var stateNames = map[State]string{
	EstimatingMSP:              "EstimatingMSP",
	SearchingBaseLandmarks:     "SearchingBaseLandmarks",
	RefiningTransform:          "RefiningTransform",
	SearchingExtendedLandmarks: "SearchingExtendedLandmarks",
	Finalizing:                 "Finalizing",
	Done:                       "Done",
	Failed:                     "Failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// next returns the state that follows s on success
func (s State) next() State {
	if s >= Finalizing {
		return Done
	}
	return s + 1
}
