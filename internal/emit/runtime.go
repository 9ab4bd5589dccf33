package emit

import (
	"bytes"
	"encoding/json"
	"path"
	"strconv"
	"strings"

	"github.com/conneroisu/assetpipe/internal/graph"
	"github.com/conneroisu/assetpipe/internal/rules"
)

// RuntimeGlobal is the global queue chunk scripts push into.
const RuntimeGlobal = "assetpipeChunks"

// runtimeGlue installs pushed chunks and runs their entry modules. A chunk
// pushed again replaces its module definitions and re-runs its entries,
// which is how hot updates are applied.
const runtimeGlue = `(function (global) {
  if (global.assetpipe) {
    return;
  }
  var definitions = {};
  var dependencies = {};
  var cache = {};
  function load(id) {
    if (cache[id]) {
      return cache[id].exports;
    }
    var definition = definitions[id];
    if (!definition) {
      throw new Error("assetpipe: module " + id + " is not loaded");
    }
    var module = (cache[id] = { id: id, exports: {} });
    definition.call(module.exports, module, module.exports, function (spec) {
      var target = dependencies[id][spec];
      if (target === undefined) {
        throw new Error("assetpipe: cannot find " + spec + " from " + id);
      }
      return load(target);
    });
    return module.exports;
  }
  function install(chunk) {
    var modules = chunk[1];
    for (var id in modules) {
      if (Object.prototype.hasOwnProperty.call(modules, id)) {
        definitions[id] = modules[id][0];
        dependencies[id] = modules[id][1];
        delete cache[id];
      }
    }
    var run = chunk[2] || [];
    for (var i = 0; i < run.length; i++) {
      load(run[i]);
    }
  }
  global.assetpipe = { load: load, install: install, cache: cache };
  var queue = (global.` + RuntimeGlobal + ` = global.` + RuntimeGlobal + ` || []);
  for (var j = 0; j < queue.length; j++) {
    install(queue[j]);
  }
  queue.length = 0;
  queue.push = function (chunk) {
    install(chunk);
    return 0;
  };
})(self);
`

// RuntimeScript returns the runtime glue.
func RuntimeScript() []byte {
	return []byte(runtimeGlue)
}

// renderScript renders the chunk push call for the given modules. urls maps
// standalone module paths to their public URLs and ids maps every module
// path of the build to its ID.
func renderScript(names []string, modules, run []*graph.Module, urls, ids map[string]string) []byte {
	var b bytes.Buffer

	b.WriteString("(self." + RuntimeGlobal + " = self." + RuntimeGlobal + " || []).push([")
	writeJSON(&b, names)
	b.WriteString(", {\n")

	for i, m := range modules {
		b.WriteString(strconv.Quote(m.ID))
		b.WriteString(": [function (module, exports, require) {\n")
		b.WriteString(moduleBody(m, urls))
		b.WriteString("\n}, ")
		writeJSON(&b, dependencyIDs(m, ids))
		b.WriteString("]")
		if i < len(modules)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}

	b.WriteString("}, ")
	runIDs := make([]string, 0, len(run))
	for _, m := range run {
		runIDs = append(runIDs, m.ID)
	}
	writeJSON(&b, runIDs)
	b.WriteString("]);\n")

	return b.Bytes()
}

func moduleBody(m *graph.Module, urls map[string]string) string {
	switch {
	case m.Standalone():
		return "module.exports = " + strconv.Quote(urls[m.Path]) + ";"
	case m.Kind == rules.KindStyle:
		return ""
	case strings.EqualFold(path.Ext(m.ID), ".json"):
		return "module.exports = " + strings.TrimSpace(string(m.Content)) + ";"
	default:
		return strings.TrimRight(string(m.Content), "\n")
	}
}

// dependencyIDs maps each import specifier to the module ID it resolved to.
func dependencyIDs(m *graph.Module, ids map[string]string) map[string]string {
	out := make(map[string]string, len(m.Requests))
	for _, r := range m.Requests {
		if id, ok := ids[r.Path]; ok {
			out[r.Specifier] = id
		}
	}

	return out
}

func writeJSON(b *bytes.Buffer, v any) {
	enc := json.NewEncoder(b)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
	b.Truncate(b.Len() - 1)
}
