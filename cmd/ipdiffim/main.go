package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/jonathansick-shadow/ip-diffim/pkg/config"
	"github.com/jonathansick-shadow/ip-diffim/pkg/diffim"
	"github.com/jonathansick-shadow/ip-diffim/pkg/export"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "", "Path to YAML configuration file (defaults used if missing)")
	templatePath := flag.String("template", "", "Template image plane (.npy)")
	sciencePath := flag.String("science", "", "Science image plane (.npy)")
	variancePath := flag.String("variance", "", "Variance plane of the science image (.npy)")
	outputDir := flag.String("out", "diffim_output", "Directory for difference image and kernel outputs")
	writeConfig := flag.Bool("write-config", false, "Write the effective configuration next to the outputs")
	flag.Parse()

	// Validate inputs
	if *templatePath == "" || *sciencePath == "" || *variancePath == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg.Output.Verbose)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	fmt.Println("================================")
	fmt.Println("PSF-MATCHED IMAGE DIFFERENCING")
	fmt.Println("================================")

	tmpl, err := export.ReadImageNpy(*templatePath)
	if err != nil {
		log.Fatalf("Failed to read template: %v", err)
	}
	sci, err := export.ReadImageNpy(*sciencePath)
	if err != nil {
		log.Fatalf("Failed to read science image: %v", err)
	}
	varEst, err := export.ReadImageNpy(*variancePath)
	if err != nil {
		log.Fatalf("Failed to read variance plane: %v", err)
	}

	matcher, err := diffim.NewMatcher(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to build matcher: %v", err)
	}

	fmt.Printf("Matching %dx%d frame with %d basis kernels...\n",
		sci.W, sci.H, len(matcher.Basis()))
	startTime := time.Now()
	result, err := matcher.Match(tmpl, sci, varEst, nil)
	if err != nil {
		log.Fatalf("Kernel matching failed: %v", err)
	}
	elapsed := time.Since(startTime)

	fmt.Printf("\nMatching completed in %.2f seconds\n", elapsed.Seconds())
	fmt.Printf("Candidates fit: %d, accepted: %d\n", result.NumCandidates, result.NumAccepted)
	fmt.Printf("Joint system solved by: %s\n", result.Spatial.SolvedBy())

	cx := float64(sci.X0) + float64(sci.W)/2
	cy := float64(sci.Y0) + float64(sci.H)/2
	if kSum, err := result.Spatial.KernelSumAt(cx, cy); err == nil {
		fmt.Printf("Kernel sum at frame center: %.6f\n", kSum)
	}

	if err := writeOutputs(*outputDir, result, cx, cy); err != nil {
		log.Fatalf("Failed to write outputs: %v", err)
	}
	fmt.Printf("Outputs written to: %s\n", *outputDir)

	if *writeConfig {
		path := filepath.Join(*outputDir, "config.yaml")
		if err := config.SaveConfig(cfg, path); err != nil {
			log.Printf("Warning: failed to write config: %v", err)
		}
	}
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func writeOutputs(dir string, result *diffim.Result, cx, cy float64) error {
	if err := export.WriteImageNpy(filepath.Join(dir, "diffim.npy"), result.Diffim); err != nil {
		return err
	}
	if err := export.WriteImagePNG(filepath.Join(dir, "diffim.png"), result.Diffim); err != nil {
		return err
	}

	kImg, err := result.Spatial.KernelAt(cx, cy)
	if err != nil {
		return err
	}
	if err := export.WriteImageNpy(filepath.Join(dir, "kernel.npy"), kImg); err != nil {
		return err
	}
	return export.WriteImagePNG(filepath.Join(dir, "kernel.png"), kImg)
}
