package script

// runtimeJS is the minimal script-visible runtime installed into every VM
// before the worker script loads: Headers/Request/Response, base64 and UTF-8
// helpers over binary strings, console capture, the fetch-event dispatch
// entry points, and the service-worker addEventListener shim. Bodies cross
// the Go/JS boundary as base64 of raw bytes; inside JS they are binary
// strings (one char per byte).
const runtimeJS = `
(function() {
var B64 = 'ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/';

globalThis.__b64encode = function(s) {
	var out = '', i = 0;
	for (; i + 2 < s.length; i += 3) {
		var n = (s.charCodeAt(i) << 16) | (s.charCodeAt(i + 1) << 8) | s.charCodeAt(i + 2);
		out += B64[(n >> 18) & 63] + B64[(n >> 12) & 63] + B64[(n >> 6) & 63] + B64[n & 63];
	}
	var rem = s.length - i;
	if (rem === 1) {
		var n1 = s.charCodeAt(i) << 16;
		out += B64[(n1 >> 18) & 63] + B64[(n1 >> 12) & 63] + '==';
	} else if (rem === 2) {
		var n2 = (s.charCodeAt(i) << 16) | (s.charCodeAt(i + 1) << 8);
		out += B64[(n2 >> 18) & 63] + B64[(n2 >> 12) & 63] + B64[(n2 >> 6) & 63] + '=';
	}
	return out;
};

var B64REV = {};
for (var bi = 0; bi < B64.length; bi++) B64REV[B64[bi]] = bi;

globalThis.__b64decode = function(s) {
	var out = '';
	s = s.replace(/=+$/, '');
	var buf = 0, bits = 0;
	for (var i = 0; i < s.length; i++) {
		var v = B64REV[s[i]];
		if (v === undefined) continue;
		buf = (buf << 6) | v;
		bits += 6;
		if (bits >= 8) {
			bits -= 8;
			out += String.fromCharCode((buf >> bits) & 255);
		}
	}
	return out;
};

globalThis.__utf8encode = function(s) {
	var out = '';
	for (var i = 0; i < s.length; i++) {
		var c = s.codePointAt(i);
		if (c > 0xFFFF) i++;
		if (c < 0x80) out += String.fromCharCode(c);
		else if (c < 0x800) out += String.fromCharCode(0xC0 | (c >> 6), 0x80 | (c & 63));
		else if (c < 0x10000) out += String.fromCharCode(0xE0 | (c >> 12), 0x80 | ((c >> 6) & 63), 0x80 | (c & 63));
		else out += String.fromCharCode(0xF0 | (c >> 18), 0x80 | ((c >> 12) & 63), 0x80 | ((c >> 6) & 63), 0x80 | (c & 63));
	}
	return out;
};

globalThis.__utf8decode = function(s) {
	var out = '', i = 0;
	while (i < s.length) {
		var c = s.charCodeAt(i++);
		if (c < 0x80) { out += String.fromCharCode(c); continue; }
		if (c < 0xE0) { out += String.fromCharCode(((c & 31) << 6) | (s.charCodeAt(i++) & 63)); continue; }
		if (c < 0xF0) {
			out += String.fromCharCode(((c & 15) << 12) | ((s.charCodeAt(i) & 63) << 6) | (s.charCodeAt(i + 1) & 63));
			i += 2; continue;
		}
		var cp = ((c & 7) << 18) | ((s.charCodeAt(i) & 63) << 12) | ((s.charCodeAt(i + 1) & 63) << 6) | (s.charCodeAt(i + 2) & 63);
		i += 3;
		out += String.fromCodePoint(cp);
	}
	return out;
};

class Headers {
	constructor(init) {
		this._map = {};
		if (init) {
			if (init._map) {
				for (var k in init._map) this._map[k] = init._map[k];
			} else if (Array.isArray(init)) {
				for (var i = 0; i < init.length; i++) this.set(init[i][0], init[i][1]);
			} else {
				for (var k2 in init) this.set(k2, init[k2]);
			}
		}
	}
	get(name) { var v = this._map[String(name).toLowerCase()]; return v === undefined ? null : v; }
	set(name, value) { this._map[String(name).toLowerCase()] = String(value); }
	append(name, value) {
		var key = String(name).toLowerCase();
		this._map[key] = this._map[key] === undefined ? String(value) : this._map[key] + ', ' + String(value);
	}
	has(name) { return this._map[String(name).toLowerCase()] !== undefined; }
	delete(name) { delete this._map[String(name).toLowerCase()]; }
	forEach(fn) { for (var k in this._map) fn(this._map[k], k, this); }
	entries() { var out = []; for (var k in this._map) out.push([k, this._map[k]]); return out[Symbol.iterator](); }
	keys() { var out = []; for (var k in this._map) out.push(k); return out[Symbol.iterator](); }
	[Symbol.iterator]() { return this.entries(); }
}
globalThis.Headers = Headers;

function extractBody(b) {
	if (b == null) return null;
	if (typeof b === 'string') return __utf8encode(b);
	if (b instanceof Uint8Array) {
		var out = '';
		for (var i = 0; i < b.length; i++) out += String.fromCharCode(b[i]);
		return out;
	}
	if (b instanceof ArrayBuffer) return extractBody(new Uint8Array(b));
	return __utf8encode(String(b));
}

class Request {
	constructor(input, init) {
		init = init || {};
		if (input instanceof Request) {
			this.url = input.url;
			this.method = input.method;
			this.headers = new Headers(input.headers);
			this._body = input._body;
			this.cf = input.cf;
		} else {
			this.url = String(input);
			this.method = 'GET';
			this.headers = new Headers();
			this._body = null;
		}
		if (init.method) this.method = String(init.method).toUpperCase();
		if (init.headers) this.headers = new Headers(init.headers);
		if (init.body != null) this._body = extractBody(init.body);
	}
	text() { return Promise.resolve(this._body == null ? '' : __utf8decode(this._body)); }
	json() { return this.text().then(JSON.parse); }
	arrayBuffer() {
		var b = this._body == null ? '' : this._body;
		var buf = new Uint8Array(b.length);
		for (var i = 0; i < b.length; i++) buf[i] = b.charCodeAt(i);
		return Promise.resolve(buf.buffer);
	}
	clone() { return new Request(this); }
}
globalThis.Request = Request;

class Response {
	constructor(body, init) {
		init = init || {};
		this.status = init.status === undefined ? 200 : (init.status | 0);
		this.statusText = init.statusText === undefined ? '' : String(init.statusText);
		this.headers = new Headers(init.headers);
		this._body = extractBody(body);
		this.ok = this.status >= 200 && this.status < 300;
		this.url = init.url === undefined ? '' : String(init.url);
	}
	text() { return Promise.resolve(this._body == null ? '' : __utf8decode(this._body)); }
	json() { return this.text().then(JSON.parse); }
	arrayBuffer() {
		var b = this._body == null ? '' : this._body;
		var buf = new Uint8Array(b.length);
		for (var i = 0; i < b.length; i++) buf[i] = b.charCodeAt(i);
		return Promise.resolve(buf.buffer);
	}
	clone() { var r = new Response(null, {status: this.status, statusText: this.statusText, headers: this.headers}); r._body = this._body; return r; }
}
globalThis.Response = Response;
Response.json = function(value, init) {
	init = init || {};
	var r = new Response(JSON.stringify(value), init);
	if (!r.headers.has('content-type')) r.headers.set('content-type', 'application/json');
	return r;
};

globalThis.console = {
	_emit: function(level, args) {
		var parts = [];
		for (var i = 0; i < args.length; i++) {
			var a = args[i];
			if (typeof a === 'object' && a !== null) {
				try { parts.push(JSON.stringify(a)); } catch (e) { parts.push(String(a)); }
			} else {
				parts.push(String(a));
			}
		}
		__console(level, parts.join(' '));
	},
	log: function() { console._emit('log', arguments); },
	info: function() { console._emit('info', arguments); },
	warn: function() { console._emit('warn', arguments); },
	error: function() { console._emit('error', arguments); },
	debug: function() { console._emit('debug', arguments); }
};

// __env_fetch issues a subrequest on a channel through the Go hook. The hook
// is synchronous; the Promise resolves on the next microtask.
globalThis.__env_fetch = function(channel, input, init) {
	var req = new Request(input, init);
	var headers = {};
	req.headers.forEach(function(v, k) { headers[k] = v; });
	var payload = JSON.stringify({
		method: req.method,
		url: req.url,
		headers: headers,
		bodyB64: req._body == null ? '' : __b64encode(req._body)
	});
	return new Promise(function(resolve, reject) {
		var raw;
		try { raw = __channel_fetch(String(channel), payload); } catch (e) { reject(e); return; }
		var data = JSON.parse(raw);
		var resp = new Response(null, {status: data.status, statusText: data.statusText, headers: data.headers, url: req.url});
		if (data.bodyB64) resp._body = __b64decode(data.bodyB64);
		resolve(resp);
	});
};

// Global fetch routes through channel 0, the global outbound.
globalThis.fetch = function(input, init) { return __env_fetch(0, input, init); };

// Service-worker-syntax scripts register their handler with
// addEventListener('fetch', ...); the shim adapts it to the module shape.
globalThis.addEventListener = function(type, handler) {
	if (type !== 'fetch') return;
	globalThis.__worker_module__ = globalThis.__worker_module__ || {};
	globalThis.__worker_module__.fetch = function(req, env, ctx) {
		return new Promise(function(resolve, reject) {
			var responded = false;
			var event = {
				type: 'fetch',
				request: req,
				respondWith: function(r) { responded = true; resolve(Promise.resolve(r)); },
				waitUntil: function(p) { ctx.waitUntil(p); },
				passThroughOnException: function() {}
			};
			try { handler(event); } catch (e) { reject(e); return; }
			if (!responded) reject(new Error('fetch handler did not call respondWith'));
		});
	};
};

globalThis.__entrypoints = function() {
	var mod = globalThis.__worker_module__ || {};
	var names = [];
	for (var k in mod) {
		if (k === 'default') continue;
		var v = mod[k];
		if (v && typeof v.fetch === 'function') names.push(k);
	}
	var hasDefault = (mod.default && typeof mod.default.fetch === 'function') || typeof mod.fetch === 'function';
	return JSON.stringify({named: names, hasDefault: !!hasDefault});
};

globalThis.__dispatch = function(entrypoint, reqJson) {
	var mod = globalThis.__worker_module__ || {};
	var target = null, handler = null;
	if (entrypoint) {
		target = mod[entrypoint];
		handler = target && target.fetch;
	} else if (mod.default && typeof mod.default.fetch === 'function') {
		target = mod.default;
		handler = mod.default.fetch;
	} else if (typeof mod.fetch === 'function') {
		target = mod;
		handler = mod.fetch;
	}
	if (typeof handler !== 'function') {
		throw new Error(entrypoint
			? 'worker has no fetch handler for entrypoint "' + entrypoint + '"'
			: 'worker has no fetch handler');
	}
	var data = JSON.parse(reqJson);
	var req = new Request(data.url, {method: data.method, headers: data.headers});
	if (data.bodyB64) req._body = __b64decode(data.bodyB64);
	if (data.cf) { try { req.cf = JSON.parse(data.cf); } catch (e) {} }
	globalThis.__waitUntil = [];
	var ctx = {
		waitUntil: function(p) { globalThis.__waitUntil.push(Promise.resolve(p)); },
		passThroughOnException: function() {}
	};
	return Promise.resolve(handler.call(target, req, globalThis.__env, ctx));
};

globalThis.__serialize_response = function() {
	var r = globalThis.__dispatch_result;
	if (!r || typeof r !== 'object' || r.status === undefined) {
		throw new Error('worker returned a non-Response value');
	}
	var headers = {};
	if (r.headers && r.headers.forEach) r.headers.forEach(function(v, k) { headers[k] = v; });
	return JSON.stringify({
		status: r.status | 0,
		statusText: r.statusText || '',
		headers: headers,
		bodyB64: r._body == null ? '' : __b64encode(r._body)
	});
};
})();
`
