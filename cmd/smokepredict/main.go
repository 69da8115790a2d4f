// Command smokepredict sends one image to a running inference server and
// prints the response, for end-to-end smoke testing.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

func main() {
	baseURL := flag.String("url", "http://127.0.0.1:8080/api/v1", "API base URL")
	imagePath := flag.String("image", "", "Path to image to submit")
	model := flag.String("model", "DenseNet121", "Model name")
	consent := flag.Bool("consent", false, "Send consent_store=true (server archives the image)")
	flag.Parse()

	if *imagePath == "" {
		fmt.Println("Usage: smokepredict -image <path> [-url base] [-model name] [-consent]")
		os.Exit(1)
	}

	data, err := os.ReadFile(*imagePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read image: %v\n", err)
		os.Exit(1)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filepath.Base(*imagePath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build form: %v\n", err)
		os.Exit(1)
	}
	if _, err := fw.Write(data); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build form: %v\n", err)
		os.Exit(1)
	}
	mw.WriteField("model_name", *model)
	mw.WriteField("consent_store", fmt.Sprintf("%v", *consent))
	mw.Close()

	client := &http.Client{Timeout: 120 * time.Second}
	resp, err := client.Post(*baseURL+"/inference/predict", mw.FormDataContentType(), &body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read response: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("HTTP %d (%s)\n", resp.StatusCode, resp.Header.Get("X-Process-Time-Ms"))

	// Pretty-print, trimming the base64 payloads for readability.
	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		fmt.Println(string(raw))
		os.Exit(0)
	}
	if gc, ok := parsed["gradcam"].(map[string]any); ok {
		for _, key := range []string{"heatmap_png_b64", "overlay_png_b64"} {
			if s, ok := gc[key].(string); ok {
				gc[key] = fmt.Sprintf("<%d base64 bytes>", len(s))
			}
		}
	}
	pretty, err := json.MarshalIndent(parsed, "", "  ")
	if err != nil {
		fmt.Println(string(raw))
		os.Exit(0)
	}
	fmt.Println(string(pretty))

	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}
