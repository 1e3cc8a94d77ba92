package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"lungmask/internal/models"
	"lungmask/pkg/config"
	"lungmask/pkg/imageio"
	"lungmask/pkg/inference"
	"lungmask/pkg/metrics"
	"lungmask/pkg/modelzoo"
	"lungmask/pkg/modelzoo/dnn"
	"lungmask/pkg/modelzoo/remote"
	"lungmask/pkg/pipeline"
	"lungmask/pkg/stl"
	"lungmask/pkg/visualization"
)

func main() {
	// Parse command line arguments
	input := flag.String("input", "", "DICOM series directory or NRRD volume")
	output := flag.String("output", "mask.nrrd", "Output NRRD mask filename")
	configPath := flag.String("config", "", "YAML configuration file (optional)")
	writeConfig := flag.Bool("write-config", false, "Write the effective configuration to -config and exit")
	family := flag.String("family", "", "Model family: unet or resunet")
	variant := flag.String("variant", "", "Model variant, e.g. R231, LTRCLobes or R231CovidWeb")
	modelPath := flag.String("modelpath", "", "Load the model from a local weights file")
	backend := flag.String("backend", "", "Model backend: dnn or remote")
	service := flag.String("service", "", "Base URL of the remote inference service")
	fused := flag.Bool("fused", false, "Fuse LTRCLobes with R231 to fill missed lung tissue")
	forceCPU := flag.Bool("cpu", false, "Run on the CPU even when a GPU is available")
	batch := flag.Int("batch", 0, "Number of slices evaluated at once")
	noPostprocess := flag.Bool("nopostprocess", false, "Skip connected-component postprocessing")
	noHU := flag.Bool("nohu", false, "Input is not in Hounsfield units")
	extractSlices := flag.Bool("extract-slices", false, "Save mask overlays along all axes")
	slicesDir := flag.String("slices-dir", "", "Directory to save extracted slices")
	surface := flag.String("stl", "", "Save the mask surface to this STL file")
	verbose := flag.Bool("verbose", false, "Log debug output")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
	}

	// Command line flags override the configuration file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "family":
			cfg.Model.Family = *family
		case "variant":
			cfg.Model.Variant = *variant
		case "modelpath":
			cfg.Model.Path = *modelPath
		case "backend":
			cfg.Model.Backend = *backend
		case "service":
			cfg.Model.ServiceURL = *service
		case "fused":
			cfg.Fusion.Enabled = *fused
		case "cpu":
			cfg.Inference.ForceCPU = *forceCPU
		case "batch":
			cfg.Inference.BatchSize = *batch
		case "nopostprocess":
			cfg.Postprocessing.Enabled = !*noPostprocess
		case "nohu":
			if *noHU {
				cfg.Preprocessing.Policy = "gated"
			}
		case "extract-slices":
			cfg.Output.ExtractSlices = *extractSlices
		case "slices-dir":
			cfg.Output.SlicesDir = *slicesDir
		case "stl":
			cfg.Output.SurfaceFile = *surface
		case "verbose":
			cfg.Output.Verbose = *verbose
		}
	})

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if *writeConfig {
		if *configPath == "" {
			log.Fatalf("-write-config needs -config")
		}
		if err := config.SaveConfig(cfg, *configPath); err != nil {
			log.Fatalf("Failed to save configuration: %v", err)
		}
		fmt.Printf("Configuration saved to: %s\n", *configPath)
		return
	}

	// Validate inputs
	if *input == "" {
		flag.Usage()
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Output.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	opts, err := cfg.PipelineOptions()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	opts.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Println("================================")
	fmt.Println("AUTOMATED LUNG SEGMENTATION OF CHEST CT")
	fmt.Println("U-net (R-231) trained on a diverse routine dataset")
	fmt.Println("================================")

	// Load the input volume
	fmt.Printf("Reading input from: %s\n", *input)
	vol, err := readVolume(*input)
	if err != nil {
		log.Fatalf("Failed to read input: %v", err)
	}
	fmt.Printf("Volume: %dx%dx%d voxels, spacing %.2fx%.2fx%.2f mm\n",
		vol.Width, vol.Height, vol.Depth, vol.Spacing.X, vol.Spacing.Y, vol.Spacing.Z)

	provider := newProvider(cfg, logger)

	// Run the segmentation pipeline
	startTime := time.Now()
	var mask *models.LabelVolume
	if cfg.Fusion.Enabled {
		fmt.Printf("Segmenting with %s, filled by %s...\n", cfg.Fusion.BaseVariant, cfg.Fusion.FillVariant)
		mask, err = pipeline.RunFusedVariants(ctx, provider, vol, cfg.Fusion.BaseVariant, cfg.Fusion.FillVariant, opts)
	} else {
		fmt.Printf("Segmenting with %s/%s...\n", cfg.Model.Family, cfg.Model.Variant)
		mask, err = segment(ctx, provider, cfg, vol, opts)
	}
	if err != nil {
		log.Fatalf("Segmentation failed: %v", err)
	}
	processingTime := time.Since(startTime)

	if err := imageio.WriteMask(*output, mask, vol.Spacing, vol.Direction); err != nil {
		log.Fatalf("Failed to write mask: %v", err)
	}

	fmt.Printf("\nSegmentation completed successfully in %.2f seconds!\n", processingTime.Seconds())
	fmt.Printf("Mask saved to: %s\n\n", *output)

	summary, err := metrics.Summarize(mask, vol)
	if err != nil {
		log.Fatalf("Failed to summarize mask: %v", err)
	}
	printSummary(summary)

	// Extract and save overlays if requested
	if cfg.Output.ExtractSlices {
		fmt.Println("\nExtracting mask overlays along all axes...")

		viewer, err := visualization.NewViewer(vol, mask)
		if err != nil {
			log.Fatalf("Failed to create viewer: %v", err)
		}
		for _, axis := range []string{"x", "y", "z"} {
			axisDir := filepath.Join(cfg.Output.SlicesDir, axis)
			fmt.Printf("Saving %s-axis slices to: %s\n", axis, axisDir)

			if err := viewer.SaveSliceSequence(axis, axisDir); err != nil {
				log.Printf("Warning: Failed to save %s-axis slices: %v", axis, err)
			}
		}

		fmt.Println("Slice extraction completed!")
	}

	// Export the lung surface if requested
	if cfg.Output.SurfaceFile != "" {
		mesher := stl.NewMesher(mask, 0)
		if !vol.Spacing.IsZero() {
			mesher.SetScale(float32(vol.Spacing.X), float32(vol.Spacing.Y), float32(vol.Spacing.Z))
		}
		triangles := mesher.GenerateTriangles()
		if err := stl.SaveToSTL(cfg.Output.SurfaceFile, triangles); err != nil {
			log.Fatalf("Failed to save surface: %v", err)
		}
		fmt.Printf("\nSurface with %d triangles saved to: %s\n", len(triangles), cfg.Output.SurfaceFile)
	}
}

// readVolume loads an NRRD file or a DICOM series directory.
func readVolume(path string) (*models.Volume, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return imageio.ReadSeries(path)
	}
	if ext := strings.ToLower(filepath.Ext(path)); ext != ".nrrd" {
		return nil, fmt.Errorf("unsupported input %s (expected a DICOM directory or .nrrd file)", path)
	}
	return imageio.ReadNRRD(path)
}

// newProvider builds the model provider for the configured backend.
func newProvider(cfg *config.Config, logger *slog.Logger) *modelzoo.Provider {
	var loader modelzoo.Loader
	switch cfg.Model.Backend {
	case config.BackendRemote:
		loader = remote.Loader(cfg.Model.ServiceURL, nil)
	default:
		loader = dnn.Loader()
	}
	provider := modelzoo.NewProvider(cfg.Model.CacheDir, loader, logger)
	// the service loads published weights itself
	provider.SkipDownload = cfg.Model.Backend == config.BackendRemote
	return provider
}

// segment runs a single model over vol.
func segment(ctx context.Context, provider *modelzoo.Provider, cfg *config.Config, vol *models.Volume, opts pipeline.Options) (*models.LabelVolume, error) {
	model, err := provider.Get(ctx, cfg.Model.Family, cfg.Model.Variant, cfg.Model.Path)
	if err != nil {
		return nil, err
	}
	defer closeModel(model)
	return pipeline.Run(ctx, vol, model, opts)
}

func closeModel(m inference.Model) {
	if c, ok := m.(interface{ Close() error }); ok {
		c.Close()
	}
}

func printSummary(s *metrics.Summary) {
	fmt.Printf("Segmentation Summary:\n")
	fmt.Printf("=====================\n")
	fmt.Printf("Foreground: %d voxels, %.1f ml\n", s.ForegroundVoxels, s.ForegroundML)
	if len(s.Labels) == 0 {
		fmt.Println("No lung tissue found")
		return
	}
	for _, l := range s.Labels {
		fmt.Printf("- Label %d: %d voxels, %.1f ml, HU %.1f ± %.1f [%.0f, %.0f]\n",
			l.Label, l.Voxels, l.VolumeML, l.MeanHU, l.StdHU, l.MinHU, l.MaxHU)
	}
}
