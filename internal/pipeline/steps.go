package pipeline

import (
	"fmt"

	"github.com/esquire-media/audience-engine/internal/audience"
	"github.com/esquire-media/audience-engine/internal/onspot"
)

// Transition is one cell of the input/output type matrix.
type Transition struct {
	Input  audience.DataType
	Output audience.DataType
}

// StepKind selects how a transition executes.
type StepKind string

const (
	// StepNoop passes the source through unchanged.
	StepNoop StepKind = "noop"
	// StepOnSpot submits an OnSpot resolution job and awaits its callbacks.
	StepOnSpot StepKind = "onspot"
	// StepFootprint resolves addresses to building-footprint polygons via the
	// external footprint service.
	StepFootprint StepKind = "footprint"
)

// StepDef describes how a transition executes: which step orchestrator runs
// per source and how its request is built.
type StepDef struct {
	Orchestrator string
	Kind         StepKind
	Endpoint     string      // OnSpot endpoint path, StepOnSpot only
	Mode         onspot.Mode // request body shape, StepOnSpot only
}

// Step orchestrator names, one per matrix cell.
const (
	OrchestratorNoop                 = "steps/noop"
	OrchestratorAddressesToPolygons  = "steps/addresses-to-polygons"
	OrchestratorAddressesToDeviceIDs = "steps/addresses-to-deviceids"
	OrchestratorPolygonsToDeviceIDs  = "steps/polygons-to-deviceids"
	OrchestratorDeviceIDsToAddresses = "steps/deviceids-to-addresses"
	OrchestratorDeviceIDsToDeviceIDs = "steps/deviceids-to-deviceids"
)

// stepTable is the transition matrix. Cells absent from the table are
// unsupported transitions and fail the pipeline.
var stepTable = map[Transition]StepDef{
	{audience.TypeAddresses, audience.TypeAddresses}: {
		Orchestrator: OrchestratorNoop,
		Kind:         StepNoop,
	},
	{audience.TypeAddresses, audience.TypePolygons}: {
		Orchestrator: OrchestratorAddressesToPolygons,
		Kind:         StepFootprint,
	},
	{audience.TypeAddresses, audience.TypeDeviceIDs}: {
		Orchestrator: OrchestratorAddressesToDeviceIDs,
		Kind:         StepOnSpot,
		Endpoint:     onspot.EndpointAddressesToDevices,
		Mode:         onspot.ModeSources,
	},
	{audience.TypePolygons, audience.TypePolygons}: {
		Orchestrator: OrchestratorNoop,
		Kind:         StepNoop,
	},
	{audience.TypePolygons, audience.TypeDeviceIDs}: {
		Orchestrator: OrchestratorPolygonsToDeviceIDs,
		Kind:         StepOnSpot,
		Endpoint:     onspot.EndpointGeoframeToDevices,
		Mode:         onspot.ModeFeatures,
	},
	{audience.TypeDeviceIDs, audience.TypeAddresses}: {
		Orchestrator: OrchestratorDeviceIDsToAddresses,
		Kind:         StepOnSpot,
		Endpoint:     onspot.EndpointFilesToHousehold,
		Mode:         onspot.ModeSources,
	},
	{audience.TypeDeviceIDs, audience.TypeDeviceIDs}: {
		Orchestrator: OrchestratorDeviceIDsToDeviceIDs,
		Kind:         StepOnSpot,
		Endpoint:     onspot.EndpointFilesDemographics,
		Mode:         onspot.ModeSources,
	},
}

// StepFor resolves the step definition for a transition.
func StepFor(input, output audience.DataType) (StepDef, error) {
	def, ok := stepTable[Transition{Input: input, Output: output}]
	if !ok {
		return StepDef{}, fmt.Errorf("unsupported pipeline transition %s -> %s", input, output)
	}
	return def, nil
}
