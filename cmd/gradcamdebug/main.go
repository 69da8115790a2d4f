// Command gradcamdebug runs the saliency pipeline on a single image and
// writes the heatmap and overlay artifacts next to it.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/itzlutfur/x-ray-evaluator/internal/gradcam"
	"github.com/itzlutfur/x-ray-evaluator/internal/imageio"
	"github.com/itzlutfur/x-ray-evaluator/internal/network"
	"github.com/itzlutfur/x-ray-evaluator/internal/preprocess"
)

func main() {
	imagePath := flag.String("image", "", "Path to input image (PNG or JPEG)")
	manifestPath := flag.String("manifest", "", "Path to checkpoint manifest (<name>.json)")
	targetLayer := flag.String("layer", "", "Override the feature layer (default: introspect)")
	outDir := flag.String("out", ".", "Directory for heatmap/overlay PNGs")
	flag.Parse()

	if *imagePath == "" || *manifestPath == "" {
		fmt.Println("Usage: gradcamdebug -image <path> -manifest <path> [-layer name] [-out dir]")
		os.Exit(1)
	}

	data, err := os.ReadFile(*imagePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read image: %v\n", err)
		os.Exit(1)
	}
	img, err := imageio.Decode(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to decode image: %v\n", err)
		os.Exit(1)
	}
	defer img.Close()
	fmt.Printf("Loaded image: %dx%d pixels\n", img.Width, img.Height)

	name := strings.TrimSuffix(filepath.Base(*manifestPath), ".json")
	net, err := network.Load(name, *manifestPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load checkpoint: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded network %s: %d top-level layers, output width %d\n",
		net.Name, len(net.Layers), net.OutputWidth())

	feature, err := gradcam.FindFeatureLayer(net)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Introspection failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Feature layer: %s", feature.Layer.Name)
	if feature.Backbone != nil {
		fmt.Printf(" (inside backbone %s)", feature.Backbone.Name)
	}
	fmt.Println()

	t, err := preprocess.ForModel(img.Mat, preprocess.DefaultParams())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Preprocessing failed: %v\n", err)
		os.Exit(1)
	}

	res, err := gradcam.Compute(net, t.NCHW(), img.Mat, gradcam.Options{TargetLayer: *targetLayer})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Saliency failed: %v\n", err)
		os.Exit(1)
	}

	var max float32
	for _, v := range res.Map {
		if v > max {
			max = v
		}
	}
	fmt.Printf("Saliency map: %dx%d from layer %s, peak %.3f\n",
		res.Width, res.Height, res.LayerName, max)

	base := strings.TrimSuffix(filepath.Base(*imagePath), filepath.Ext(*imagePath))
	heatPath := filepath.Join(*outDir, base+"_heatmap.png")
	overlayPath := filepath.Join(*outDir, base+"_overlay.png")
	if err := os.WriteFile(heatPath, res.HeatmapPNG, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write heatmap: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(overlayPath, res.OverlayPNG, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write overlay: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s and %s\n", heatPath, overlayPath)
}
