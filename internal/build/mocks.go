package build

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/conneroisu/workbench/internal/logging"
)

const mockNamespace = "workbench-mock"

// RuleKind says how a MockRule matches a specifier.
type RuleKind int

const (
	RuleExact RuleKind = iota
	RulePrefix
	RuleCatchAll
)

// String returns the string representation of the RuleKind
func (k RuleKind) String() string {
	switch k {
	case RuleExact:
		return "exact"
	case RulePrefix:
		return "prefix"
	case RuleCatchAll:
		return "catch-all"
	default:
		return "unknown"
	}
}

// Default priorities per kind. Lower runs first.
const (
	PriorityExact    = 0
	PriorityPrefix   = 10
	PriorityCatchAll = 100
)

// Generator produces the stand-in module source for a specifier.
type Generator func(specifier string) string

// MockRule substitutes matching bare imports with a sandbox-safe module.
type MockRule struct {
	Name     string
	Kind     RuleKind
	Pattern  string
	Priority int
	Generate Generator
}

// Matches reports whether the rule applies to specifier. Prefix and
// catch-all patterns match the pattern itself and anything starting with it.
func (r MockRule) Matches(specifier string) bool {
	if r.Kind == RuleExact {
		return specifier == r.Pattern
	}
	return strings.HasPrefix(specifier, r.Pattern)
}

// MockRegistry is the ordered rule list consulted for every bare import of
// a sandbox build. Rules are kept sorted by priority; equal priorities keep
// registration order.
type MockRegistry struct {
	mu     sync.RWMutex
	rules  []MockRule
	logger logging.Logger
}

// NewMockRegistry creates a registry holding rules.
func NewMockRegistry(logger logging.Logger, rules ...MockRule) *MockRegistry {
	m := &MockRegistry{logger: logging.OrDiscard(logger).WithComponent("mocks")}
	for _, rule := range rules {
		m.Register(rule)
	}
	return m
}

// Register adds rule after every rule of the same or lower priority.
func (m *MockRegistry) Register(rule MockRule) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rules = append(m.rules, rule)
	sort.SliceStable(m.rules, func(i, j int) bool {
		return m.rules[i].Priority < m.rules[j].Priority
	})
}

// Match returns the first rule matching specifier.
func (m *MockRegistry) Match(specifier string) (MockRule, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rule := range m.rules {
		if rule.Matches(specifier) {
			return rule, true
		}
	}
	return MockRule{}, false
}

// Rules returns the rules in evaluation order.
func (m *MockRegistry) Rules() []MockRule {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]MockRule, len(m.rules))
	copy(out, m.rules)
	return out
}

// IsBareSpecifier reports whether specifier names a package rather than a
// file.
func IsBareSpecifier(specifier string) bool {
	if specifier == "" || IsRelativeSpecifier(specifier) || strings.HasPrefix(specifier, "/") {
		return false
	}
	return !strings.Contains(specifier, ":")
}

// plugin substitutes matching bare imports. Catch-all substitutions and
// imports matching no rule are logged with the package name.
func (m *MockRegistry) plugin(sessionID string) api.Plugin {
	return api.Plugin{
		Name: "workbench-mocks",
		Setup: func(pb api.PluginBuild) {
			pb.OnResolve(api.OnResolveOptions{Filter: `^[^./]`},
				func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					if args.Namespace == mockNamespace || !IsBareSpecifier(args.Path) {
						return api.OnResolveResult{}, nil
					}

					rule, ok := m.Match(args.Path)
					if !ok {
						m.logger.Warn(context.Background(), nil, "No mock rule matches package; leaving it to the bundler",
							"session_id", sessionID, "package", args.Path, "importer", args.Importer)
						return api.OnResolveResult{}, nil
					}
					if rule.Kind == RuleCatchAll {
						m.logger.Warn(context.Background(), nil, "Package has no mock; substituting an empty module",
							"session_id", sessionID, "package", args.Path, "rule", rule.Name)
					}
					return api.OnResolveResult{Path: args.Path, Namespace: mockNamespace}, nil
				})

			pb.OnLoad(api.OnLoadOptions{Filter: `.*`, Namespace: mockNamespace},
				func(args api.OnLoadArgs) (api.OnLoadResult, error) {
					rule, ok := m.Match(args.Path)
					if !ok {
						return api.OnLoadResult{}, fmt.Errorf("mock rule for %q was removed during the build", args.Path)
					}
					contents := rule.Generate(args.Path)
					return api.OnLoadResult{Contents: &contents, Loader: api.LoaderJS}, nil
				})
		},
	}
}

// DefaultReservedNamespaces are the package prefixes whose unmatched
// members become empty modules.
var DefaultReservedNamespaces = []string{"expo-", "@expo/", "react-native-", "@react-native"}

// DefaultRules returns the built-in rules: framework globals, native-access
// stand-ins, then one catch-all per reserved namespace.
func DefaultRules(reservedNamespaces []string) []MockRule {
	if reservedNamespaces == nil {
		reservedNamespaces = DefaultReservedNamespaces
	}

	rules := []MockRule{
		exactGlobal("react", "React"),
		exactGlobal("react-dom", "ReactDOM"),
		exactGlobal("react-dom/client", "ReactDOM"),
		exactGlobal("react-native", "ReactNative"),
		{Name: "jsx-runtime", Kind: RuleExact, Pattern: "react/jsx-runtime", Priority: PriorityExact, Generate: jsxRuntimeShim},
		{Name: "jsx-dev-runtime", Kind: RuleExact, Pattern: "react/jsx-dev-runtime", Priority: PriorityExact, Generate: jsxRuntimeShim},
	}

	prefix := func(name string, gen Generator, patterns ...string) {
		for _, pattern := range patterns {
			rules = append(rules, MockRule{Name: name, Kind: RulePrefix, Pattern: pattern, Priority: PriorityPrefix, Generate: gen})
		}
	}
	prefix("async-storage", constant(asyncStorageShim), "@react-native-async-storage/async-storage", "expo-secure-store")
	prefix("cookies", constant(cookiesShim), "@react-native-cookies/cookies", "react-native-cookies")
	prefix("reanimated", constant(reanimatedShim), "react-native-reanimated")
	prefix("gesture-handler", constant(gestureHandlerShim), "react-native-gesture-handler")
	prefix("sensors", constant(sensorsShim), "expo-sensors", "react-native-sensors")
	prefix("webview", constant(webviewShim), "react-native-webview")
	prefix("backend-sdk", constant(backendShim), "@supabase/", "firebase", "@react-native-firebase/")

	for _, ns := range reservedNamespaces {
		rules = append(rules, MockRule{
			Name:     "reserved:" + ns,
			Kind:     RuleCatchAll,
			Pattern:  ns,
			Priority: PriorityCatchAll,
			Generate: constant(emptyModule),
		})
	}
	return rules
}

func constant(source string) Generator {
	return func(string) string { return source }
}

func exactGlobal(specifier, global string) MockRule {
	return MockRule{
		Name:     specifier,
		Kind:     RuleExact,
		Pattern:  specifier,
		Priority: PriorityExact,
		Generate: func(spec string) string { return globalShim(spec, global) },
	}
}

// globalShim reads a module the preview host loaded as a global and fails
// loudly when it is missing.
func globalShim(specifier, global string) string {
	return fmt.Sprintf(`var mod = globalThis[%[2]q];
if (mod === undefined || mod === null) {
  throw new Error("workbench: %[1]s is provided by the preview host as window.%[2]s, but it was not loaded before the bundle ran");
}
module.exports = mod;
`, specifier, global)
}

func jsxRuntimeShim(specifier string) string {
	return fmt.Sprintf(`var React = globalThis.React;
if (!React) {
  throw new Error("workbench: %s needs window.React to be loaded before the bundle runs");
}
function jsx(type, props, key) {
  var p = Object.assign({}, props);
  if (key !== undefined) p.key = key;
  return React.createElement(type, p);
}
exports.jsx = jsx;
exports.jsxs = jsx;
exports.jsxDEV = jsx;
exports.Fragment = React.Fragment;
`, specifier)
}

const emptyModule = `export default {};
`

const asyncStorageShim = `const prefix = "workbench:";
const store = globalThis.localStorage;
const AsyncStorage = {
  getItem: async (k) => store.getItem(prefix + k),
  setItem: async (k, v) => { store.setItem(prefix + k, String(v)); },
  removeItem: async (k) => { store.removeItem(prefix + k); },
  mergeItem: async (k, v) => {
    const cur = JSON.parse(store.getItem(prefix + k) || "{}");
    store.setItem(prefix + k, JSON.stringify(Object.assign(cur, JSON.parse(v))));
  },
  getAllKeys: async () => Object.keys(store).filter((k) => k.startsWith(prefix)).map((k) => k.slice(prefix.length)),
  multiGet: async (keys) => keys.map((k) => [k, store.getItem(prefix + k)]),
  multiSet: async (pairs) => { pairs.forEach(([k, v]) => store.setItem(prefix + k, String(v))); },
  multiRemove: async (keys) => { keys.forEach((k) => store.removeItem(prefix + k)); },
  clear: async () => { Object.keys(store).filter((k) => k.startsWith(prefix)).forEach((k) => store.removeItem(k)); },
  getItemAsync: async (k) => store.getItem(prefix + k),
  setItemAsync: async (k, v) => { store.setItem(prefix + k, String(v)); },
  deleteItemAsync: async (k) => { store.removeItem(prefix + k); },
};
export const { getItemAsync, setItemAsync, deleteItemAsync } = AsyncStorage;
export default AsyncStorage;
`

const cookiesShim = `function parse() {
  const out = {};
  document.cookie.split(";").forEach((part) => {
    const i = part.indexOf("=");
    if (i > 0) {
      const name = part.slice(0, i).trim();
      out[name] = { name, value: decodeURIComponent(part.slice(i + 1).trim()) };
    }
  });
  return out;
}
const CookieManager = {
  get: async () => parse(),
  set: async (_url, c) => {
    document.cookie = c.name + "=" + encodeURIComponent(c.value) + "; path=" + (c.path || "/");
    return true;
  },
  clearByName: async (_url, name) => {
    document.cookie = name + "=; expires=Thu, 01 Jan 1970 00:00:00 GMT; path=/";
    return true;
  },
  clearAll: async () => {
    Object.keys(parse()).forEach((name) => {
      document.cookie = name + "=; expires=Thu, 01 Jan 1970 00:00:00 GMT; path=/";
    });
    return true;
  },
};
export default CookieManager;
`

const reanimatedShim = `const RN = globalThis.ReactNative || {};
export const useSharedValue = (v) => ({ value: v });
export const useAnimatedStyle = (fn) => fn();
export const useDerivedValue = (fn) => ({ value: fn() });
export const useAnimatedScrollHandler = () => () => {};
export const withTiming = (v, _cfg, cb) => { if (cb) cb(true); return v; };
export const withSpring = (v, _cfg, cb) => { if (cb) cb(true); return v; };
export const withDelay = (_ms, v) => v;
export const withRepeat = (v) => v;
export const withSequence = (...vs) => vs[vs.length - 1];
export const runOnJS = (fn) => fn;
export const interpolate = (x, input, output) => {
  if (input.length < 2) return output[0];
  const t = (x - input[0]) / (input[input.length - 1] - input[0]);
  return output[0] + t * (output[output.length - 1] - output[0]);
};
export const Easing = { linear: (t) => t, ease: (t) => t, in: (f) => f, out: (f) => f, inOut: (f) => f, bezier: () => (t) => t };
const Animated = {
  View: RN.View,
  Text: RN.Text,
  Image: RN.Image,
  ScrollView: RN.ScrollView,
  createAnimatedComponent: (c) => c,
};
export default Animated;
`

const gestureHandlerShim = `const passthrough = (props) => (props && props.children) || null;
function chain() {
  const g = new Proxy({}, { get: () => () => g });
  return g;
}
export const GestureHandlerRootView = passthrough;
export const GestureDetector = passthrough;
export const Swipeable = passthrough;
export const PanGestureHandler = passthrough;
export const TapGestureHandler = passthrough;
export const Gesture = { Pan: chain, Tap: chain, Pinch: chain, LongPress: chain, Simultaneous: chain, Race: chain };
export const State = { UNDETERMINED: 0, FAILED: 1, BEGAN: 2, CANCELLED: 3, ACTIVE: 4, END: 5 };
export default { GestureHandlerRootView, GestureDetector, Gesture, State };
`

const sensorsShim = `function sensor() {
  return {
    isAvailableAsync: async () => false,
    addListener: () => ({ remove() {} }),
    removeAllListeners: () => {},
    setUpdateInterval: () => {},
    subscribe: () => ({ unsubscribe() {} }),
  };
}
export const Accelerometer = sensor();
export const Gyroscope = sensor();
export const Magnetometer = sensor();
export const Barometer = sensor();
export const DeviceMotion = sensor();
export const Pedometer = sensor();
export const accelerometer = sensor();
export const gyroscope = sensor();
export const setUpdateIntervalForType = () => {};
export const SensorTypes = { accelerometer: "accelerometer", gyroscope: "gyroscope", magnetometer: "magnetometer" };
export default { Accelerometer, Gyroscope, Magnetometer };
`

const webviewShim = `const React = globalThis.React;
export function WebView(props) {
  const source = props.source || {};
  return React.createElement("iframe", {
    src: source.uri,
    srcDoc: source.html,
    style: Object.assign({ border: 0, width: "100%", height: "100%" }, props.style),
    sandbox: "allow-scripts allow-forms",
  });
}
export default WebView;
`

const backendShim = `const tables = new Map();
function rows(name) {
  if (!tables.has(name)) tables.set(name, []);
  return tables.get(name);
}
function query(name) {
  let filters = [];
  let pending = null;
  const q = {
    select: () => q,
    eq: (col, val) => { filters.push((r) => r[col] === val); return q; },
    neq: (col, val) => { filters.push((r) => r[col] !== val); return q; },
    order: () => q,
    limit: () => q,
    single: () => q,
    insert: (value) => { pending = () => { rows(name).push(...[].concat(value)); return [].concat(value); }; return q; },
    update: (patch) => { pending = () => rows(name).filter((r) => filters.every((f) => f(r))).map((r) => Object.assign(r, patch)); return q; },
    delete: () => { pending = () => { const keep = rows(name).filter((r) => !filters.every((f) => f(r))); tables.set(name, keep); return []; }; return q; },
    then: (resolve) => {
      const data = pending ? pending() : rows(name).filter((r) => filters.every((f) => f(r)));
      return Promise.resolve({ data, error: null }).then(resolve);
    },
  };
  return q;
}
const auth = {
  getSession: async () => ({ data: { session: null }, error: null }),
  getUser: async () => ({ data: { user: null }, error: null }),
  signInWithPassword: async () => ({ data: { user: null, session: null }, error: null }),
  signOut: async () => ({ error: null }),
  onAuthStateChange: () => ({ data: { subscription: { unsubscribe() {} } } }),
};
export const createClient = () => ({ from: query, auth });
export const initializeApp = () => ({});
export const getApp = () => ({});
export const getAuth = () => auth;
export const getFirestore = () => ({ collection: query });
export default { createClient, initializeApp };
`
