package pipeline

import "fmt"

// classificationPrompt instructs the model to classify count labeled document
// images and echo each documentId so results can be matched back by id.
func classificationPrompt(count int) string {
	return fmt.Sprintf(`You are an expert document classification system specialized in visual document analysis.

You have been given %d document page(s), each preceded by a text label containing its documentId. Classify EACH page independently into exactly one of the following categories based on the dominant form of textual content.

Classification Categories

"handwritten"
Use this label when most of the visible text is handwritten using pen, pencil, or stylus.
Examples include handwritten letters, notes, notebooks, exam answers, or forms filled entirely by hand.

"typed"
Use this label when most of the visible text is computer-generated or printed.
Examples include printed contracts, invoices, reports, books, or forms with no meaningful handwritten additions.

"mixed"
Use this label when the document contains a significant and non-trivial presence of both handwritten and typed/printed text.
Examples include printed forms filled in by hand, invoices with handwritten notes, or signed printed documents.

Decision Rules (Very Important)

Base your decision on textual content only.
Ignore logos, stamps, watermarks, signatures, checkboxes, seals, or decorative elements unless they contain readable text.

Minor annotations rule:
If handwritten content is limited to signatures, initials, dates, checkmarks, or brief margin notes, classify as "typed".

Dominance rule:
If one type of text clearly exceeds the other by visual area or content volume, choose the dominant category.

Uncertain or poor quality pages:
If the page is blurry, low-resolution, partially cropped, or text is difficult to distinguish, still make a best-effort classification based on visible evidence.

Empty or near-empty pages:
If there is no readable text or only a few characters, classify based on the style of those characters.

Tables and forms:
Printed tables filled with handwritten values are "mixed".
Fully handwritten tables are "handwritten".

Output Requirements (Strict)

Respond with ONLY a valid JSON array containing exactly %d objects, one per page.

Do NOT include explanations, comments, or additional text.

Each object in the array must follow this exact structure:

{
  "documentId": "<the documentId of the page this result is for>",
  "classification": "handwritten" | "typed" | "mixed",
  "confidence": <number between 0 and 1>
}

confidence represents how certain you are about the classification:
0.90-1.00 means very clear visual evidence
0.70-0.89 means clear but with minor ambiguity
0.50-0.69 means noticeable uncertainty

Final Instruction

Classify each page independently. Return a JSON array of exactly %d results.
Do not hedge, do not explain, and do not output anything except the JSON array.`, count, count, count)
}

// extractionPrompt instructs the model to extract structured data from count
// labeled document images.
func extractionPrompt(count int) string {
	return fmt.Sprintf(`You are an expert document data extraction system. You have been given %d document page(s), each preceded by a text label containing its documentId.

For EACH page, extract all meaningful structured data visible in the document.

Extraction Rules

1. Extract every key-value pair, field label with its value, table row, or identifiable data point.
2. Use the original field names/labels as they appear in the document. If a label is partially illegible, use your best interpretation with a note.
3. For handwritten text, transcribe as accurately as possible. Use "[illegible]" for portions that cannot be read.
4. Preserve formatting context:
   - Dates should be normalized to ISO 8601 (YYYY-MM-DD) when possible, with the original format noted.
   - Currency values should include the currency symbol/code if visible.
   - Checkboxes should be represented as true/false.
5. For tables, represent them as arrays of objects where each object is a row with column headers as keys.
6. If the document contains signatures, note their presence and location but do not attempt to transcribe them.

Output Requirements (Strict)

Respond with ONLY a valid JSON array of exactly %d objects, one per page.

Each object must have this structure:

{
  "documentId": "<the documentId of the page this result is for>",
  "fields": {
    "<field_name>": "<extracted_value>"
  },
  "tables": [
    {
      "title": "<table title if visible, otherwise null>",
      "rows": [
        { "<column1>": "<value>", "<column2>": "<value>" }
      ]
    }
  ],
  "metadata": {
    "document_type": "<detected type: invoice, form, letter, receipt, contract, report, other>",
    "language": "<primary language>",
    "date": "<document date in ISO 8601 if found, otherwise null>",
    "has_signatures": <true/false>,
    "has_stamps": <true/false>
  },
  "confidence": <number between 0 and 1 representing overall extraction confidence>,
  "field_confidences": {
    "<field_name>": <number between 0 and 1>
  }
}

Do NOT include explanations, comments, or additional text. Return only the JSON array.`, count, count)
}
