package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"acpcdetect/internal/models"
	"acpcdetect/pkg/artifacts"
	"acpcdetect/pkg/config"
	"acpcdetect/pkg/constellation"
	"acpcdetect/pkg/interpolation"
	"acpcdetect/pkg/landmarkio"
	"acpcdetect/pkg/model"
	"acpcdetect/pkg/volumeio"
)

func main() {
	// Parse command line arguments
	inputDir := flag.String("input", "", "Directory containing the 2D slices of the eye-fixed head volume")
	spacing := flag.Float64("spacing", 1.0, "In-plane pixel spacing in mm (ignored when the input has a geometry sidecar)")
	sliceGap := flag.Float64("gap", 1.0, "Inter-slice gap in mm (ignored when the input has a geometry sidecar)")
	modelPath := flag.String("model", "", "Trained constellation model (YAML)")
	configPath := flag.String("config", "acpcdetect.yaml", "Configuration file; defaults are used when it does not exist")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration to -config and exit")
	resultsDir := flag.String("results", "", "Directory for results and debug artifacts (overrides the configuration)")
	eyesFile := flag.String("eyes", "", "Landmark file holding LE and RE in original space")
	mspLandmarks := flag.String("landmarks", "", "Landmark file in MSP space, e.g. a corrected EMSP.fcsv")
	forcedLandmarks := flag.String("force", "", "Landmark file in original space whose points replace the search")
	atlasVolume := flag.String("atlas-volume", "", "Atlas volume directory for ACPC refinement")
	atlasLandmarks := flag.String("atlas-landmarks", "", "Atlas landmark file in ACPC space")
	atlasWeights := flag.String("atlas-weights", "", "Per-landmark weights for the atlas initialiser")
	outputVolume := flag.String("output-volume", "", "Write the input resampled into ACPC alignment to this directory")
	interp := flag.String("interp", "linear", "Interpolation for -output-volume (nearest or linear)")
	debugLevel := flag.Int("debug", -1, "Debug level for intermediate artifacts (overrides the configuration)")
	verbose := flag.Bool("verbose", false, "Print per-landmark search details")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write configuration: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	// Validate inputs
	if *inputDir == "" || *modelPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *resultsDir != "" {
		cfg.Output.ResultsDir = *resultsDir
	}
	if *debugLevel >= 0 {
		cfg.Output.DebugLevel = *debugLevel
	}
	if *verbose {
		cfg.Output.Verbose = true
	}
	if *atlasVolume != "" {
		cfg.Atlas.Volume = *atlasVolume
	}
	if *atlasLandmarks != "" {
		cfg.Atlas.Landmarks = *atlasLandmarks
	}
	if *atlasWeights != "" {
		cfg.Atlas.Weights = *atlasWeights
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	kind, err := interpolation.KindFromString(*interp)
	if err != nil {
		log.Fatalf("Invalid interpolation: %v", err)
	}

	fmt.Println("================================")
	fmt.Println("ACPC LANDMARK DETECTION")
	fmt.Println("Constellation of landmarks on the mid-sagittal plane")
	fmt.Println("================================")

	m, err := model.Load(*modelPath)
	if err != nil {
		log.Fatalf("Failed to load model: %v", err)
	}
	voxelSpacing := r3.Vec{X: *spacing, Y: *spacing, Z: *sliceGap}
	vol, err := volumeio.Load(*inputDir, voxelSpacing)
	if err != nil {
		log.Fatalf("Failed to load input volume: %v", err)
	}

	in := constellation.Input{Volume: vol}
	in.OrigLE, in.OrigRE, in.EyeDetectionFailed = loadEyes(*eyesFile)
	if *mspLandmarks != "" {
		if in.MSPLandmarks, err = landmarkio.ReadFCSV(*mspLandmarks); err != nil {
			log.Fatalf("Failed to read MSP landmarks: %v", err)
		}
	}
	if *forcedLandmarks != "" {
		if in.ForcedLandmarks, err = landmarkio.ReadFCSV(*forcedLandmarks); err != nil {
			log.Fatalf("Failed to read forced landmarks: %v", err)
		}
	}
	if cfg.Atlas.Volume != "" {
		if in.Atlas, err = loadAtlas(cfg, voxelSpacing); err != nil {
			log.Fatalf("Failed to load atlas: %v", err)
		}
	}

	writer, err := artifacts.NewWriter(cfg.Output.ResultsDir)
	if err != nil {
		log.Fatalf("Failed to prepare results directory: %v", err)
	}
	if cfg.Output.Verbose {
		writer.Out = os.Stdout
	}

	detector, err := constellation.NewDetector(constellation.Params{
		Config:    cfg,
		Model:     m,
		Artifacts: writer,
	})
	if err != nil {
		log.Fatalf("Failed to create detector: %v", err)
	}

	startTime := time.Now()
	result, runErr := detector.Run(in)
	processingTime := time.Since(startTime)

	summaryPath := filepath.Join(cfg.Output.ResultsDir, artifacts.SummaryFile)
	if result != nil {
		if err := artifacts.WriteSummary(summaryPath, result.Summary(runErr)); err != nil {
			log.Printf("Warning: Failed to write run summary: %v", err)
		}
	}
	if runErr != nil {
		log.Fatalf("Landmark detection failed: %v", runErr)
	}

	if err := writer.WriteLandmarks("original_landmarks.fcsv", result.OriginalLandmarks); err != nil {
		log.Fatalf("Failed to write landmarks: %v", err)
	}
	if err := writer.WriteLandmarks("acpc_landmarks.fcsv", result.ACPCLandmarks); err != nil {
		log.Fatalf("Failed to write landmarks: %v", err)
	}

	if *outputVolume != "" {
		fmt.Println("\nResampling the input into ACPC alignment...")
		ref := interpolation.IsotropicReference(vol, cfg.MSP.IsotropicSpacing)
		ref.Origin = r3.Sub(ref.Origin, ref.Center())
		minVal, _ := vol.MinMax()
		aligned := interpolation.Resample(vol, result.OrigToACPC, kind, minVal, ref)
		if err := volumeio.Save(*outputVolume, aligned); err != nil {
			log.Printf("Warning: Failed to save ACPC aligned volume: %v", err)
		}
	}

	fmt.Printf("\nDetection completed successfully in %.2f seconds!\n", processingTime.Seconds())
	fmt.Printf("Run ID: %s\n", result.RunID)
	fmt.Printf("Reflective correlation c_c: %.4f\n", result.ReflectiveCorrelation)
	fmt.Printf("Distance from RP to MSP: %.2f mm (LR search radius %.0f mm)\n", result.ErrMSP, result.SearchRadiusLR)

	fmt.Println("\nLandmarks in ACPC aligned space:")
	fmt.Println("=======================================")
	for _, name := range result.ACPCLandmarks.Names() {
		p := result.ACPCLandmarks[name]
		cc, searched := result.Correlations[name]
		if searched {
			fmt.Printf("%-6s [%8.2f, %8.2f, %8.2f]  cc %.3f\n", name, p.X, p.Y, p.Z, cc)
		} else {
			fmt.Printf("%-6s [%8.2f, %8.2f, %8.2f]\n", name, p.X, p.Y, p.Z)
		}
	}
	for _, w := range result.Warnings {
		fmt.Printf("- WARNING: %s\n", w)
	}
	fmt.Printf("\nResults saved to: %s\n", cfg.Output.ResultsDir)
}

// loadEyes reads the eye centres. A missing file or missing entries count
// as a failed eye detection.
func loadEyes(path string) (le, re r3.Vec, failed bool) {
	if path == "" {
		fmt.Println("WARNING: no eye centres given")
		return r3.Vec{}, r3.Vec{}, true
	}
	lmks, err := landmarkio.ReadFCSV(path)
	if err != nil {
		log.Printf("Warning: Failed to read eye centres: %v", err)
		return r3.Vec{}, r3.Vec{}, true
	}
	le, okL := lmks[models.LE]
	re, okR := lmks[models.RE]
	return le, re, !okL || !okR
}

func loadAtlas(cfg *config.Config, spacing r3.Vec) (*constellation.Atlas, error) {
	vol, err := volumeio.Load(cfg.Atlas.Volume, spacing)
	if err != nil {
		return nil, err
	}
	lmks, err := landmarkio.ReadFCSV(cfg.Atlas.Landmarks)
	if err != nil {
		return nil, err
	}
	atlas := &constellation.Atlas{Volume: vol, Landmarks: lmks}
	if cfg.Atlas.Weights != "" {
		if atlas.Weights, err = landmarkio.ReadWeights(cfg.Atlas.Weights); err != nil {
			return nil, err
		}
	}
	return atlas, nil
}
