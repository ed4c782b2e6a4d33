// Package domscripts holds the browser-side JavaScript delivered verbatim to
// Runtime.evaluate against the Antigravity workbench. The Go side treats every
// script as an opaque string with a fixed return schema; selectors and
// heuristics live here and only here.
package domscripts

// StopButtonProbe checks whether the assistant is still generating by looking
// for the "stop generating" affordance. Returns {"isGenerating": bool}.
const StopButtonProbe = `
(function() {
  function visible(el) {
    if (!el) return false;
    const r = el.getBoundingClientRect();
    if (r.width < 2 || r.height < 2) return false;
    const s = getComputedStyle(el);
    return s.display !== 'none' && s.visibility !== 'hidden' && parseFloat(s.opacity) !== 0;
  }

  const SELECTORS = [
    'button[aria-label*="Stop" i]',
    'button[title*="Stop" i]',
    '[class*="cascade"] button[class*="stop" i]',
    '[class*="chat"] button[class*="cancel" i]'
  ];
  for (const sel of SELECTORS) {
    try {
      for (const el of document.querySelectorAll(sel)) {
        if (visible(el)) return { isGenerating: true };
      }
    } catch (e) {}
  }

  // Some builds render the stop control as an icon span inside the input row.
  try {
    for (const el of document.querySelectorAll('[class*="codicon-stop-circle"], [class*="codicon-debug-stop"]')) {
      if (visible(el.closest('button') || el)) return { isGenerating: true };
    }
  } catch (e) {}

  return { isGenerating: false };
})()
`

// QuotaProbe reports whether the UI shows a quota / rate-limit banner.
// Returns a bare boolean.
const QuotaProbe = `
(function() {
  const NEEDLES = [
    'you have reached your quota',
    'quota exceeded',
    'rate limit',
    'usage limit reached',
    'out of credits'
  ];
  function visibleText(el) {
    const r = el.getBoundingClientRect();
    if (r.width < 2 || r.height < 2) return '';
    return (el.innerText || '').toLowerCase();
  }
  try {
    const candidates = document.querySelectorAll('[class*="banner"], [class*="notification"], [class*="error"], [class*="warning"], [role="alert"]');
    for (const el of candidates) {
      const t = visibleText(el);
      if (!t) continue;
      for (const needle of NEEDLES) {
        if (t.includes(needle)) return true;
      }
    }
  } catch (e) {}
  return false;
})()
`

// ResponseTextLegacy extracts the assistant's latest reply as a single string
// using a scored selector walk: each candidate container is scored by depth,
// recency and marker classes, and the innerText of the winner is returned.
// Returns a string, possibly empty.
const ResponseTextLegacy = `
(function() {
  function score(el) {
    let s = 0;
    const cls = (el.className || '').toString().toLowerCase();
    if (cls.includes('assistant')) s += 40;
    if (cls.includes('response')) s += 30;
    if (cls.includes('message')) s += 20;
    if (cls.includes('markdown')) s += 15;
    if (cls.includes('cascade')) s += 10;
    if (el.getAttribute && el.getAttribute('data-message-author') === 'assistant') s += 50;
    const r = el.getBoundingClientRect();
    if (r.height > 40) s += 5;
    return s;
  }

  const SELECTORS = [
    '[data-message-author="assistant"]',
    '[class*="assistant-message"]',
    '[class*="response-container"]',
    '[class*="chat-message"][class*="assistant"]',
    '[class*="markdown-body"]'
  ];

  let best = null;
  let bestScore = -1;
  for (const sel of SELECTORS) {
    let nodes;
    try { nodes = document.querySelectorAll(sel); } catch (e) { continue; }
    for (const el of nodes) {
      const s = score(el);
      if (s > bestScore) { best = el; bestScore = s; continue; }
      // Ties go to the element later in document order: the newest message.
      if (s === bestScore && best && (best.compareDocumentPosition(el) & Node.DOCUMENT_POSITION_FOLLOWING)) {
        best = el;
      }
    }
  }
  if (!best) return '';
  return (best.innerText || '').trim();
})()
`

// StructuredSegments walks the conversation container and returns typed
// segments instead of one text blob:
//
//	{
//	  "source": "structured-v2",
//	  "extractedAt": <epoch ms>,
//	  "segments": [
//	    {"kind": "assistant-body"|"thinking"|"tool-call"|"tool-result"|"feedback",
//	     "text": string, "messageIndex": int, "domPath": string}
//	  ]
//	}
//
// Returns null when no conversation container is found so the caller can fall
// back to the legacy extractor.
const StructuredSegments = `
(function() {
  const container = document.querySelector('[class*="conversation"], [class*="chat-messages"], [class*="cascade-messages"]');
  if (!container) return null;

  function classify(el) {
    const cls = (el.className || '').toString().toLowerCase();
    if (cls.includes('thinking') || cls.includes('reasoning')) return 'thinking';
    if (cls.includes('tool-call') || cls.includes('tool-use')) return 'tool-call';
    if (cls.includes('tool-result') || cls.includes('tool-output')) return 'tool-result';
    if (cls.includes('feedback') || cls.includes('rating') || cls.includes('vote')) return 'feedback';
    return 'assistant-body';
  }

  function domPath(el) {
    const parts = [];
    let cur = el;
    while (cur && cur !== container && parts.length < 8) {
      let part = cur.tagName ? cur.tagName.toLowerCase() : '?';
      if (cur.id) part += '#' + cur.id;
      parts.unshift(part);
      cur = cur.parentElement;
    }
    return parts.join('>');
  }

  const segments = [];
  let messageIndex = -1;
  const messages = container.querySelectorAll('[data-message-author], [class*="chat-message"]');
  for (const msg of messages) {
    const author = msg.getAttribute('data-message-author') ||
      (((msg.className || '').toString().toLowerCase().includes('user')) ? 'user' : 'assistant');
    if (author === 'user') continue;
    messageIndex++;

    const blocks = msg.querySelectorAll('[class*="thinking"], [class*="tool-"], [class*="feedback"], [class*="markdown"], p, pre');
    if (blocks.length === 0) {
      const text = (msg.innerText || '').trim();
      if (text) segments.push({ kind: 'assistant-body', text: text, messageIndex: messageIndex, domPath: domPath(msg) });
      continue;
    }
    const seen = new Set();
    for (const block of blocks) {
      // Skip nested blocks already covered by an ancestor we emitted.
      let covered = false;
      for (const s of seen) { if (s.contains(block)) { covered = true; break; } }
      if (covered) continue;
      const text = (block.innerText || '').trim();
      if (!text) continue;
      seen.add(block);
      segments.push({ kind: classify(block), text: text, messageIndex: messageIndex, domPath: domPath(block) });
    }
  }

  return { source: 'structured-v2', extractedAt: Date.now(), segments: segments };
})()
`

// ProcessLog collects the short activity lines the assistant renders while
// working ("Reading foo.ts", tool invocations, terminal commands). Returns an
// array of strings, newest last.
const ProcessLog = `
(function() {
  const out = [];
  const SELECTORS = [
    '[class*="process-log"] [class*="entry"]',
    '[class*="activity"] [class*="line"]',
    '[class*="tool-call"] [class*="title"]',
    '[class*="step-header"]'
  ];
  for (const sel of SELECTORS) {
    let nodes;
    try { nodes = document.querySelectorAll(sel); } catch (e) { continue; }
    for (const el of nodes) {
      const t = (el.innerText || '').trim();
      if (t && t.length < 500) out.push(t);
    }
  }
  return out;
})()
`

// LatestUserMessage finds the newest user bubble in the conversation.
// Returns {"text": string, "index": int} or null.
const LatestUserMessage = `
(function() {
  const nodes = document.querySelectorAll('[data-message-author="user"], [class*="user-message"], [class*="chat-message"][class*="user"]');
  if (!nodes.length) return null;
  const last = nodes[nodes.length - 1];
  const text = (last.innerText || '').trim();
  if (!text) return null;
  return { text: text, index: nodes.length - 1 };
})()
`

// ApprovalPrompt detects a pending tool-approval dialog.
// Returns {"buttonText": string, "description": string} or null.
const ApprovalPrompt = `
(function() {
  const dialogs = document.querySelectorAll('[class*="approval"], [class*="permission"], [role="dialog"]');
  for (const d of dialogs) {
    const r = d.getBoundingClientRect();
    if (r.width < 2 || r.height < 2) continue;
    let allow = null;
    for (const b of d.querySelectorAll('button')) {
      const t = (b.innerText || '').trim();
      if (/^(allow|approve|accept|run)\b/i.test(t)) { allow = t; break; }
    }
    if (!allow) continue;
    const body = d.querySelector('[class*="description"], [class*="body"], p');
    return {
      buttonText: allow,
      description: ((body ? body.innerText : d.innerText) || '').trim().slice(0, 500)
    };
  }
  return null;
})()
`

// PlanningPrompt detects the plan-review dialog shown before multi-step work.
// Returns {"title": string, "body": string, "buttons": [string]} or null.
const PlanningPrompt = `
(function() {
  const dialogs = document.querySelectorAll('[class*="plan"], [class*="planning"], [role="dialog"]');
  for (const d of dialogs) {
    const r = d.getBoundingClientRect();
    if (r.width < 2 || r.height < 2) continue;
    const title = d.querySelector('[class*="title"], h1, h2, h3');
    const titleText = (title ? title.innerText : '').trim();
    if (!/plan/i.test(titleText)) continue;
    const buttons = [];
    for (const b of d.querySelectorAll('button')) {
      const t = (b.innerText || '').trim();
      if (t) buttons.push(t);
    }
    const body = d.querySelector('[class*="content"], [class*="body"]');
    return {
      title: titleText,
      body: ((body ? body.innerText : d.innerText) || '').trim().slice(0, 2000),
      buttons: buttons
    };
  }
  return null;
})()
`

// PlanContent extracts the full text of the currently open plan document.
// Returns a string, possibly empty.
const PlanContent = `
(function() {
  const panel = document.querySelector('[class*="plan-document"], [class*="plan-content"], [class*="plan"] [class*="markdown"]');
  if (!panel) return '';
  return (panel.innerText || '').trim();
})()
`

// ErrorPopup detects a visible error toast or modal.
// Returns {"title": string, "body": string, "buttons": [string]} or null.
const ErrorPopup = `
(function() {
  const popups = document.querySelectorAll('[class*="error-popup"], [class*="error-dialog"], [role="alertdialog"], [class*="notification"][class*="error"]');
  for (const p of popups) {
    const r = p.getBoundingClientRect();
    if (r.width < 2 || r.height < 2) continue;
    const title = p.querySelector('[class*="title"], h1, h2, h3, strong');
    const buttons = [];
    for (const b of p.querySelectorAll('button')) {
      const t = (b.innerText || '').trim();
      if (t) buttons.push(t);
    }
    return {
      title: ((title ? title.innerText : '') || 'Error').trim().slice(0, 200),
      body: (p.innerText || '').trim().slice(0, 1000),
      buttons: buttons
    };
  }
  return null;
})()
`

// ChatTitle reads the active conversation's display title.
// Returns a string, possibly empty.
const ChatTitle = `
(function() {
  const el = document.querySelector('[class*="conversation-title"], [class*="chat-title"], [class*="cascade"] [class*="title"]');
  if (!el) return '';
  return (el.innerText || '').trim();
})()
`

// ReadClipboard reads the page clipboard. Requires awaitPromise on the
// evaluate call. Resolves to the clipboard text, or null when the browser
// denies access; denial is not an error and is never retried.
const ReadClipboard = `
(async function() {
  try {
    return await navigator.clipboard.readText();
  } catch (e) {
    return null;
  }
})()
`

// AttachmentInputProbe looks for the hidden file input used for image
// uploads. Returns {"selector": string} or null.
const AttachmentInputProbe = `
(function() {
  const inputs = document.querySelectorAll('input[type="file"]');
  for (let i = 0; i < inputs.length; i++) {
    const el = inputs[i];
    const accept = (el.getAttribute('accept') || '').toLowerCase();
    if (accept === '' || accept.includes('image')) {
      if (!el.dataset.agbridgeUpload) el.dataset.agbridgeUpload = 'u' + i;
      return { selector: 'input[type="file"][data-agbridge-upload="' + el.dataset.agbridgeUpload + '"]' };
    }
  }
  return null;
})()
`

// FocusInput focuses the chat input box so Input.insertText lands in it.
// Returns {"ok": bool}.
const FocusInput = `
(function() {
  const SELECTORS = [
    '[class*="cascade"] textarea',
    '[class*="chat-input"] textarea',
    '[class*="chat"] [contenteditable="true"]',
    'textarea[placeholder*="Ask" i]'
  ];
  for (const sel of SELECTORS) {
    let el;
    try { el = document.querySelector(sel); } catch (e) { continue; }
    if (!el) continue;
    const r = el.getBoundingClientRect();
    if (r.width < 2 || r.height < 2) continue;
    el.focus();
    return { ok: document.activeElement === el };
  }
  return { ok: false };
})()
`
