package remote

import (
	"fmt"
	"strings"
)

const (
	SystemProfile    = "/nix/var/nix/profiles/system"
	CurrentSystem    = "/run/current-system"
	SwpinsInfoPath   = "/etc/confctl/swpins-info.json"
	BootIDPath       = "/proc/sys/kernel/random/boot_id"
	generationFields = 4
)

// ListGenerationsScript prints one line per system profile generation:
//
//	<id> <toplevel> <mtime-unix> <kernel-version|->
//
// followed by a final "current <toplevel>" line for the live profile.
func ListGenerationsScript() string {
	return strings.TrimSpace(fmt.Sprintf(`set -eu
profile=%s
for link in "$profile"-*-link; do
  [ -e "$link" ] || continue
  id=${link#"$profile"-}
  id=${id%%-link}
  top=$(readlink -f "$link")
  mtime=$(stat -c %%Y "$link")
  kernel=-
  if [ -d "$top/kernel-modules/lib/modules" ]; then
    kernel=$(ls "$top/kernel-modules/lib/modules" | head -n 1)
  fi
  echo "$id $top $mtime $kernel"
done
echo "current $(readlink -f "$profile")"`, SystemProfile)) + "\n"
}

// ParseGenerationLine splits one data line of ListGenerationsScript output.
func ParseGenerationLine(line string) (fields []string, ok bool) {
	fields = strings.Fields(line)
	if len(fields) != generationFields {
		return nil, false
	}
	return fields, true
}

// StatusScript prints uptime seconds, the running toplevel and the
// deployed swpins info on three sections separated by lines of "--".
func StatusScript() string {
	return strings.TrimSpace(fmt.Sprintf(`set -eu
cut -d' ' -f1 /proc/uptime
echo --
readlink -f %s
echo --
cat %s 2>/dev/null || echo '{}'`, CurrentSystem, SwpinsInfoPath)) + "\n"
}

func DeleteGenerationsArgv(ids ...string) []string {
	return append([]string{"nix-env", "-p", SystemProfile, "--delete-generations"}, ids...)
}

func SetProfileArgv(toplevel string) []string {
	return []string{"nix-env", "-p", SystemProfile, "--set", toplevel}
}

func SwitchToConfigurationArgv(toplevel, action string) []string {
	return []string{toplevel + "/bin/switch-to-configuration", action}
}

func CollectGarbageArgv() []string {
	return []string{"nix-collect-garbage"}
}
