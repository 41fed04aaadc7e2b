package session

import "github.com/ztlevi/perfetto/internal/perfconfig"

// CmdlineLookup resolves a pid to its normalized (basename, canonicalized)
// cmdline. ok is false when the lookup failed transiently (spec.md §4.5
// step 1, §7 "transient lookup failures"); the filter then treats the pid
// as having no known cmdline rather than erroring.
type CmdlineLookup func(pid int32) (cmdline string, ok bool)

// EvaluateFilter is the pure function spec.md §4.5 describes. additional is
// mutated in place when a new cmdline is adopted into the
// additional-cmdline budget (step 8); budget is
// TargetFilter.AdditionalCmdlineCount.
func EvaluateFilter(pid int32, cmdline string, cmdlineKnown bool, additional map[string]struct{}, budget int, filter perfconfig.TargetFilter) bool {
	// Step 2: excluded cmdline.
	if cmdlineKnown {
		if _, excluded := filter.ExcludeCmdlines[cmdline]; excluded {
			return false
		}
	}
	// Step 3: excluded pid.
	if _, excluded := filter.ExcludePids[pid]; excluded {
		return false
	}
	// Step 4: included cmdline.
	if cmdlineKnown {
		if _, included := filter.Cmdlines[cmdline]; included {
			return true
		}
	}
	// Step 5: included pid.
	if _, included := filter.Pids[pid]; included {
		return true
	}
	// Step 6: open policy — no inclusion configured at all.
	if len(filter.Pids) == 0 && len(filter.Cmdlines) == 0 && budget == 0 {
		return true
	}
	// Step 7/8: additional-cmdline budget.
	if cmdlineKnown {
		if _, already := additional[cmdline]; already {
			return true
		}
		if len(additional) < budget {
			additional[cmdline] = struct{}{}
			return true
		}
	}
	// Step 9: reject.
	return false
}
