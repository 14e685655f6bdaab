package testplan

import (
	"fmt"
	"log/slog"
	"strings"

	"gopkg.in/yaml.v3"
)

// bootloaderOverrides maps device-type names with non-standard bootloader
// artifact locations to their URL pattern. New special cases are additive
// entries here, not conditionals in the renderer.
var bootloaderOverrides = map[string]func(runURL, runName string) string{
	"raspberrypi4-64": func(runURL, runName string) string {
		return fmt.Sprintf("%sother/u-boot-%s.bin", runURL, runName)
	},
	"stm32mp1-disco": func(runURL, _ string) string {
		return fmt.Sprintf("%sother/boot.itb", runURL)
	},
}

// ContextParams carries the per-(build, device type) inputs for template
// context assembly.
type ContextParams struct {
	RunName      string
	RunURL       string
	BuildURL     string
	BuildID      int64
	OTATargetID  int64 // build id the device is expected to update to
	CommitID     string
	Reason       string
	NetInterface string
	OSTreeHash   string
	// free-form device type settings, YAML mapping text
	Settings string
}

// BootPrompts returns the boot prompts that encode the expected device
// identity in a rendered definition. The fleet state machine matches
// notifications back to devices on these.
func BootPrompts(runName string) []string {
	return []string{
		fmt.Sprintf("fio@%s", runName),
		"Password:",
		fmt.Sprintf("root@%s", runName),
	}
}

// BuildContext assembles the substitution context for one device type.
func BuildContext(params ContextParams) map[string]string {
	context := map[string]string{
		"device_type":  params.RunName,
		"build_url":    params.BuildURL,
		"build_id":     fmt.Sprintf("%d", params.BuildID),
		"build_commit": params.CommitID,
		"build_reason": params.Reason,

		"IMAGE_URL":      fmt.Sprintf("%slmp-factory-image-%s.wic.gz", params.RunURL, params.RunName),
		"BOOTLOADER_URL": fmt.Sprintf("%simx-boot-%s", params.RunURL, params.RunName),
		"SPLIMG_URL":     fmt.Sprintf("%sSPL-%s", params.RunURL, params.RunName),
		"MFGTOOL_URL":    fmt.Sprintf("%sruns/%s-mfgtools/mfgtool-files.tar.gz", params.BuildURL, params.RunName),

		"net_interface": params.NetInterface,
		"os_tree_hash":  params.OSTreeHash,
		"target":        fmt.Sprintf("%d", params.BuildID),
		"ota_target":    fmt.Sprintf("%d", params.OTATargetID),
	}

	if override, ok := bootloaderOverrides[params.RunName]; ok {
		context["BOOTLOADER_URL"] = override(params.RunURL, params.RunName)
	}

	applySettings(context, params)
	return context
}

// applySettings merges device-type settings into the context. Values are
// strings with optional {run_url}/{run_name} interpolation; malformed or
// non-string values are skipped, never fatal.
func applySettings(context map[string]string, params ContextParams) {
	if strings.TrimSpace(params.Settings) == "" {
		return
	}
	var settings map[string]any
	if err := yaml.Unmarshal([]byte(params.Settings), &settings); err != nil {
		slog.Warn("Ignoring malformed device type settings",
			"device_type", params.RunName,
			"error", err)
		return
	}
	replacer := strings.NewReplacer(
		"{run_url}", params.RunURL,
		"{run_name}", params.RunName,
	)
	for key, value := range settings {
		text, ok := value.(string)
		if !ok {
			continue
		}
		context[key] = replacer.Replace(text)
	}
}
